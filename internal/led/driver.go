package led

// Sink abstracts a hardware output that owns one or more PWM channels
// (GPIO pins, PCA9685 channels, preview pixels). Brightness is normalized
// to [0,1]; each sink does its own scaling. Implementations must tolerate
// concurrent writes to distinct channels.
type Sink interface {
	// Write sets channel to brightness.
	Write(channel int, brightness float64) error
	// Off drives channel to zero.
	Off(channel int) error
	// Clear drives every channel owned by the sink to zero.
	Clear() error
	// Shutdown releases board or bus resources. The sink is unusable afterwards.
	Shutdown() error
}

// clamp01 clamps x in [0,1].
func clamp01(x float64) float64 {
	if x < 0 || x != x {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
