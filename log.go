package cairn

import "log/slog"

// nopLogger discards all output. Used when WithLogger is not set on a
// component.
var nopLogger = slog.New(slog.DiscardHandler)
