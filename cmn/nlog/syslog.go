package nlog

import (
	"fmt"
	"log/syslog"
)

// syslogWriter fans log lines out to a syslog daemon per logging.syslog.*.
// No syslog client library appears anywhere in the retrieved example corpus;
// the standard library's client is small enough that reaching for a
// third-party package here would add a dependency the corpus never
// demonstrates a need for.
type syslogWriter struct {
	w *syslog.Writer
}

// NewSyslog dials a syslog daemon at addr (host:port, empty for local),
// over udp or tcp, logging at the given facility under tag.
func NewSyslog(network, addr string, facility syslog.Priority, tag string) (*syslogWriter, error) {
	w, err := syslog.Dial(network, addr, facility|syslog.LOG_INFO, tag)
	if err != nil {
		return nil, fmt.Errorf("nlog: dial syslog: %w", err)
	}
	return &syslogWriter{w: w}, nil
}

func (s *syslogWriter) write(sev severity, line string) {
	switch sev {
	case sevErr:
		s.w.Err(line)
	case sevWarn:
		s.w.Warning(line)
	case sevDebug:
		s.w.Debug(line)
	default:
		s.w.Info(line)
	}
}

func (s *syslogWriter) Close() error { return s.w.Close() }
