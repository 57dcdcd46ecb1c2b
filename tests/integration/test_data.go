package integration

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BradenHooton/bastion/internal/models"
)

// TestUserID generates a fresh user id for test isolation
func TestUserID() string {
	return uuid.New().String()
}

// TestIP generates a unique documentation-range IP per call within a test run
var testIPCounter byte

func TestIP() string {
	testIPCounter++
	return fmt.Sprintf("203.0.113.%d", testIPCounter)
}

// TestDeviceInfo returns plausible device signals for seeding
func TestDeviceInfo(suffix string) (models.DeviceInfo, models.GeoInfo) {
	return models.DeviceInfo{
			Name:       "Test Device " + suffix,
			DeviceType: "desktop",
			Browser:    "Firefox",
			OS:         "Linux",
		}, models.GeoInfo{
			IPAddress: TestIP(),
			Country:   "US",
			City:      "Portland",
		}
}

// FutureExpiry returns a pointer to a timestamp offset from now
func FutureExpiry(d time.Duration) *time.Time {
	t := time.Now().UTC().Add(d).Truncate(time.Microsecond)
	return &t
}
