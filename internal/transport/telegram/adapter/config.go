package adapter

import "time"

type Config struct {
	Token       string
	PollTimeout time.Duration

	// SendRatePerChat caps outgoing messages per chat per second (0 = 1/s).
	SendRatePerChat float64
	SendBurst       int
}
