package coap

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Log is the package-level logger, in the teacher's idiom of
// reaching for the logrus top-level functions/fields directly
// (transport_uart.go's logMsg).
var Log = logrus.StandardLogger()

type tagKey struct{}

// Tag attaches a user-supplied observability tag to ctx, surfaced on
// every structured event logged for exchanges derived from it
// (spec.md §6: "the endpoint may tag an exchange for observability
// via tag(conn, tag)").
func Tag(ctx context.Context, tag string) context.Context {
	return context.WithValue(ctx, tagKey{}, tag)
}

func tagFrom(ctx context.Context) string {
	if t, ok := ctx.Value(tagKey{}).(string); ok {
		return t
	}
	return ""
}

// event logs one of the structured observability events named in
// spec.md §6, each carrying host/port/message-id/token/tag.
func event(ctx context.Context, name string, host string, port int, mid uint16, token []byte, extra logrus.Fields) {
	fields := logrus.Fields{
		"event":      name,
		"host":       host,
		"port":       port,
		"message_id": mid,
		"token":      fmtToken(token),
	}
	if tag := tagFrom(ctx); tag != "" {
		fields["tag"] = tag
	}
	for k, v := range extra {
		fields[k] = v
	}
	Log.WithFields(fields).Debug("coap: " + name)
}

func fmtToken(tok []byte) string {
	if len(tok) == 0 {
		return ""
	}
	const hex = "0123456789abcdef"
	out := make([]byte, len(tok)*2)
	for i, b := range tok {
		out[i*2] = hex[b>>4]
		out[i*2+1] = hex[b&0xf]
	}
	return string(out)
}
