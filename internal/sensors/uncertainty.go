package sensors

import "math"

// IntegrationUncertainty estimates how much a pre-integrated
// prediction's error grows over an integration span, the same
// noise*sqrt(time) model the teacher's Uncertainty.Estimate used for
// per-IMU position uncertainty.
func IntegrationUncertainty(noiseLevel, integrationSeconds float64) float64 {
	if integrationSeconds <= 0 {
		return 0
	}
	return noiseLevel * math.Sqrt(integrationSeconds)
}
