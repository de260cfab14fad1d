package led

import (
	"fmt"

	"periph.io/x/host/v3"
)

// Init loads the periph host drivers (GPIO, I2C). It must run before any
// GPIO pin or I2C bus is opened.
func Init() error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("periph host init: %w", err)
	}
	return nil
}
