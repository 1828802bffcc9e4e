package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type LogLevel int32

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l LogLevel) String() string {
	if l < DEBUG || l > ERROR {
		return "INFO"
	}
	return levelNames[l]
}

// ParseLogLevel maps a level name to its LogLevel. Unknown names mean INFO.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// recentCapacity is how many printed lines are kept for the logs API.
const recentCapacity = 1000

// Entry is a retained log line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

/**
 * Logger writes leveled lines to stdout and remembers the most recent ones.
 *
 * Messages follow the "{package/file - Func} text" convention so a line
 * can be traced to its call site without file:line flags.
 */
type Logger struct {
	level atomic.Int32

	mu     sync.Mutex
	out    *log.Logger
	recent []Entry // ring of at most recentCapacity entries
	next   int
}

// New creates a logger at level writing to stdout.
func New(level string) *Logger {
	l := &Logger{out: log.New(os.Stdout, "[ULTRASTREAM] ", log.LstdFlags)}
	l.SetLevel(level)
	return l
}

func (l *Logger) SetLevel(level string) {
	l.level.Store(int32(ParseLogLevel(level)))
}

func (l *Logger) GetLevel() string {
	return LogLevel(l.level.Load()).String()
}

// SetOutput swaps the writer, tests use it to capture or silence output.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.SetOutput(w)
}

func (l *Logger) print(level LogLevel, format string, v ...interface{}) {
	if level < LogLevel(l.level.Load()) {
		return
	}
	message := fmt.Sprintf(format, v...)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Printf("[%s] %s", level, message)

	entry := Entry{Timestamp: time.Now(), Level: level.String(), Message: message}
	if len(l.recent) < recentCapacity {
		l.recent = append(l.recent, entry)
		return
	}
	l.recent[l.next] = entry
	l.next = (l.next + 1) % recentCapacity
}

// Recent returns the retained lines, oldest first.
func (l *Logger) Recent() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, len(l.recent))
	out = append(out, l.recent[l.next:]...)
	return append(out, l.recent[:l.next]...)
}

// ClearRecent forgets the retained lines.
func (l *Logger) ClearRecent() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recent = nil
	l.next = 0
}

func (l *Logger) Debug(format string, v ...interface{}) { l.print(DEBUG, format, v...) }
func (l *Logger) Info(format string, v ...interface{})  { l.print(INFO, format, v...) }
func (l *Logger) Warn(format string, v ...interface{})  { l.print(WARN, format, v...) }
func (l *Logger) Error(format string, v ...interface{}) { l.print(ERROR, format, v...) }

// std backs the package-level functions used across the code base.
var std = New("INFO")

func SetLogLevel(level string) { std.SetLevel(level) }
func GetLogLevel() string { return std.GetLevel() }
func SetOutput(w io.Writer) { std.SetOutput(w) }
func Recent() []Entry { return std.Recent() }
func ClearRecent() { std.ClearRecent() }

func Debug(format string, v ...interface{}) { std.print(DEBUG, format, v...) }
func Info(format string, v ...interface{})  { std.print(INFO, format, v...) }
func Warn(format string, v ...interface{})  { std.print(WARN, format, v...) }
func Error(format string, v ...interface{}) { std.print(ERROR, format, v...) }
