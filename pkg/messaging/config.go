package messaging

// Config holds the base configuration for messaging.
// Each adapter has its own detailed configuration struct.
type Config struct {
	// Driver specifies which messaging adapter to use.
	// Supported values: amqp (the only adapter this module ships).
	Driver string `env:"MESSAGING_DRIVER" env-default:"amqp"`
}
