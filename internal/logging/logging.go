package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Setup configures the process-wide logrus logger.
func Setup(level, format string, out io.Writer) error {
	lvl, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	log.SetLevel(lvl)
	if out != nil {
		log.SetOutput(out)
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	case "json":
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

// New returns an entry tagged with the component name.
func New(component string) *log.Entry {
	return log.WithField("component", component)
}

// GinLogger logs one line per request through logrus.
func GinLogger(entry *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := log.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}
		if fields["path"] == "" {
			fields["path"] = c.Request.URL.Path
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			entry.WithFields(fields).Warn("request failed")
		case status >= 400:
			entry.WithFields(fields).Info("request rejected")
		default:
			entry.WithFields(fields).Debug("request served")
		}
	}
}
