package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// ProductionLogger is a structured logger emitting JSON lines or, for any
// other format, human-readable lines. It is intentionally small: one
// writer, one format per instance, a component tag carried via WithComponent.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	format      string
	output      io.Writer
}

// LoggingConfig controls ProductionLogger construction.
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	Output string // stdout or stderr
}

// NewProductionLogger builds a Logger from LoggingConfig for the named
// service. format "json" emits one JSON object per line; anything else
// falls back to a human-readable line. LoadConfig's LOG_FORMAT default is
// "json".
func NewProductionLogger(cfg LoggingConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		output = os.Stderr
	}
	return &ProductionLogger{
		level:       strings.ToLower(cfg.Level),
		debug:       strings.ToLower(cfg.Level) == "debug",
		serviceName: serviceName,
		format:      cfg.Format,
		output:      output,
	}
}

// WithComponent returns a Logger that tags every line with component,
// e.g. "channelsvc", "socket", "jobs". Satisfies ComponentAwareLogger.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent("info", msg, fields, nil)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("info", msg, fields, ctx)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent("error", msg, fields, nil)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("error", msg, fields, ctx)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent("warn", msg, fields, nil)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("warn", msg, fields, ctx)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("debug", msg, fields, nil)
	}
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("debug", msg, fields, ctx)
	}
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	ts := time.Now().Format(time.RFC3339Nano)

	if p.format == "json" {
		entry := map[string]interface{}{
			"ts":      ts,
			"level":   level,
			"service": p.serviceName,
			"message": msg,
		}
		if p.component != "" {
			entry["component"] = p.component
		}
		if ctx != nil {
			if traceID := TraceIDFromContext(ctx); traceID != "" {
				entry["trace_id"] = traceID
			}
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
		return
	}

	var b strings.Builder
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	comp := p.component
	if comp == "" {
		comp = p.serviceName
	}
	fmt.Fprintf(p.output, "%s [%s] [%s] %s%s\n", ts, strings.ToUpper(level), comp, msg, b.String())
}
