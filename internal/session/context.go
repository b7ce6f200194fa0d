package session

import "context"

// Channels a turn can arrive on.
const (
	ChannelHTTP      = "http"
	ChannelWebSocket = "ws"
)

type channelKey struct{}

// WithChannel tags ctx with the transport a turn arrived on.
func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, channelKey{}, channel)
}

// ChannelFromContext returns the transport tag, defaulting to HTTP.
func ChannelFromContext(ctx context.Context) string {
	if ch, ok := ctx.Value(channelKey{}).(string); ok && ch != "" {
		return ch
	}
	return ChannelHTTP
}
