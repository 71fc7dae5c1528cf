// Package zerolog adapts a zerolog.Logger to the logger.Logger
// interface.
package zerolog

import (
	"io"

	"github.com/rs/zerolog"
)

type Handler struct {
	logger zerolog.Logger
}

// New builds a Handler writing JSON lines to w with timestamps.
func New(w io.Writer) *Handler {
	return &Handler{
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
}

// Wrap adapts an existing zerolog.Logger.
func Wrap(l zerolog.Logger) *Handler {
	return &Handler{logger: l}
}

func (h *Handler) Error(msg string, args ...any) {
	h.emit(h.logger.Error(), msg, args)
}

func (h *Handler) Warn(msg string, args ...any) {
	h.emit(h.logger.Warn(), msg, args)
}

func (h *Handler) Info(msg string, args ...any) {
	h.emit(h.logger.Info(), msg, args)
}

func (h *Handler) Debug(msg string, args ...any) {
	h.emit(h.logger.Debug(), msg, args)
}

// emit applies alternating key/value pairs to the event. A trailing key
// without a value is logged under the "arg" field rather than dropped.
func (h *Handler) emit(e *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			e = e.Interface("arg", args[i]).Interface("val", args[i+1])
			continue
		}
		e = e.Interface(key, args[i+1])
	}
	if len(args)%2 == 1 {
		e = e.Interface("arg", args[len(args)-1])
	}
	e.Msg(msg)
}
