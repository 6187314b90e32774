package motion

// Linear subtracts the gravity estimate from the raw sample and returns the
// linear acceleration vector and its magnitude.
func Linear(raw Sample, gravity Vector3) (Vector3, float32) {
	r := raw.Vector()
	var lin Vector3
	for i := range lin {
		lin[i] = r[i] - gravity[i]
	}
	return lin, lin.Magnitude()
}
