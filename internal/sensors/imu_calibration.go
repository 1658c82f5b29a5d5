package sensors

import "github.com/golang/geo/r3"

// IMUCalibration holds a constant gyroscope/accelerometer bias,
// the 3D generalization of the teacher's 2-axis IMU offset/scale
// calibration (this model omits the teacher's per-axis scale factor,
// which it always left at 1 anyway).
type IMUCalibration struct {
	GyroBias  r3.Vector
	AccelBias r3.Vector
}

// CalibrateIMU averages a batch of stationary samples into a bias
// estimate, the 3D extension of the teacher's averaging-based
// Calibrate method.
func CalibrateIMU(samples []IMUMeasurement) IMUCalibration {
	var cal IMUCalibration
	if len(samples) == 0 {
		return cal
	}
	var gyroSum, accelSum r3.Vector
	for _, s := range samples {
		gyroSum = gyroSum.Add(s.AngularVelocity)
		accelSum = accelSum.Add(s.LinearAcceleration)
	}
	n := float64(len(samples))
	cal.GyroBias = gyroSum.Mul(1 / n)
	cal.AccelBias = accelSum.Mul(1 / n)
	return cal
}

// Apply subtracts the calibrated bias from a raw sample.
func (c IMUCalibration) Apply(sample IMUMeasurement) IMUMeasurement {
	sample.AngularVelocity = sample.AngularVelocity.Sub(c.GyroBias)
	sample.LinearAcceleration = sample.LinearAcceleration.Sub(c.AccelBias)
	return sample
}
