// Package nlog is alpenhorn's logger: leveled, timestamped, one severity
// stream per process, with optional syslog fan-out and size/count-based file
// rotation.
//
// Adapted from the teacher's cmn/nlog: aistore buffers and double-flushes
// because hundreds of targets/proxies log at high volume; one alpenhorn
// daemon per host has no such pressure, so this keeps the leveled API
// (Infof/Warningf/Errorf/Flush) and the host-stamped rotated file name but
// writes straight through under a mutex instead.
package nlog

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type severity int32

const (
	sevDebug severity = iota
	sevInfo
	sevWarn
	sevErr
)

var sevChar = [...]byte{'D', 'I', 'W', 'E'}

type logger struct {
	mw      sync.Mutex
	file    *os.File
	written int64

	dir      string
	host     string
	maxBytes int64
	backups  int

	level     atomic.Int32
	toStderr  atomic.Bool
	syslogOut atomic.Pointer[syslogWriter]
}

var dflt = &logger{}

func init() {
	dflt.level.Store(int32(sevInfo))
	dflt.toStderr.Store(true) // until SetLogDirRole is called
}

// SetLogDirRole configures the log directory and the daemon host identifier
// embedded in the rotated file name. The teacher stamps a cluster role
// (proxy/target); alpenhorn has no role, only the configured host.
func SetLogDirRole(dir, host string) {
	dflt.mw.Lock()
	defer dflt.mw.Unlock()
	dflt.dir = dir
	dflt.host = host
	dflt.toStderr.Store(dir == "")
}

// SetRotation sets the size/backup-count rotation policy (logging.file.*).
func SetRotation(maxBytes int64, backups int) {
	dflt.mw.Lock()
	defer dflt.mw.Unlock()
	dflt.maxBytes = maxBytes
	dflt.backups = backups
}

// SetLevel sets the minimum severity logged: "debug", "info", "warn", or "error".
func SetLevel(s string) {
	var sev severity
	switch strings.ToLower(s) {
	case "debug":
		sev = sevDebug
	case "warn", "warning":
		sev = sevWarn
	case "error", "err":
		sev = sevErr
	default:
		sev = sevInfo
	}
	dflt.level.Store(int32(sev))
}

// SetSyslog installs (or, with nil, removes) the syslog fan-out writer.
func SetSyslog(w *syslogWriter) { dflt.syslogOut.Store(w) }

func Debugf(format string, args ...any)   { dflt.log(sevDebug, 1, format, args...) }
func Infof(format string, args ...any)    { dflt.log(sevInfo, 1, format, args...) }
func Infoln(args ...any)                  { dflt.log(sevInfo, 1, "", args...) }
func Warningf(format string, args ...any) { dflt.log(sevWarn, 1, format, args...) }
func Warningln(args ...any)               { dflt.log(sevWarn, 1, "", args...) }
func Errorf(format string, args ...any)   { dflt.log(sevErr, 1, format, args...) }
func Errorln(args ...any)                 { dflt.log(sevErr, 1, "", args...) }

func (l *logger) log(sev severity, depth int, format string, args ...any) {
	if sev < severity(l.level.Load()) {
		return
	}
	line := formatLine(sev, depth+1, format, args...)

	if l.toStderr.Load() || sev >= sevErr {
		os.Stderr.WriteString(line)
	}
	if w := l.syslogOut.Load(); w != nil {
		w.write(sev, line)
	}

	l.mw.Lock()
	defer l.mw.Unlock()
	if l.dir == "" {
		return
	}
	if l.file == nil {
		if err := l.openLocked(); err != nil {
			os.Stderr.WriteString("nlog: " + err.Error() + "\n")
			return
		}
	}
	n, _ := l.file.WriteString(line)
	l.written += int64(n)
	if l.maxBytes > 0 && l.written >= l.maxBytes {
		l.rotateLocked()
	}
}

func (l *logger) fname() string {
	return filepath.Join(l.dir, fmt.Sprintf("alpenhorn.%s.log", l.host))
}

// under mw-lock
func (l *logger) openLocked() error {
	f, err := os.OpenFile(l.fname(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if info, _ := f.Stat(); info != nil {
		l.written = info.Size()
	}
	l.file = f
	return nil
}

// under mw-lock
func (l *logger) rotateLocked() {
	base := l.fname()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	for i := l.backups - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", base, i), fmt.Sprintf("%s.%d", base, i+1))
	}
	if l.backups > 0 {
		os.Rename(base, base+".1")
	} else {
		os.Remove(base)
	}
	l.written = 0
	l.openLocked()
}

// Flush is a no-op: this logger writes through rather than buffering, so
// there is nothing to drain. Nothing in this tree calls it.
func Flush() {}

func formatLine(sev severity, depth int, format string, args ...any) string {
	var b strings.Builder
	b.WriteByte(sevChar[sev])
	b.WriteByte(' ')
	b.WriteString(time.Now().Format("15:04:05.000000"))
	b.WriteByte(' ')
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if idx := strings.LastIndexByte(file, '/'); idx >= 0 {
			file = file[idx+1:]
		}
		b.WriteString(file)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(line))
		b.WriteByte(' ')
	}
	if format == "" {
		fmt.Fprintln(&b, args...)
	} else {
		fmt.Fprintf(&b, format, args...)
		if !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
