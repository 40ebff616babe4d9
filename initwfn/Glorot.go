package initwfn

import G "gorgonia.org/gorgonia"

// GlorotUConfig holds the gain of a Glorot uniform weight
// initializer.
type GlorotUConfig struct {
	Gain float64
}

// NewGlorotU returns a Glorot uniform weight initializer with the
// given gain
func NewGlorotU(gain float64) (*InitWFn, error) {
	config := GlorotUConfig{
		Gain: gain,
	}

	return newInitWFn(config)
}

// Type returns the type of weight initializer the config creates
func (g GlorotUConfig) Type() Type {
	return GlorotU
}

// Create returns the Gorgonia InitWFn that the config describes
func (g GlorotUConfig) Create() G.InitWFn {
	return G.GlorotU(g.Gain)
}

// GlorotNConfig holds the gain of a Glorot normal weight initializer.
type GlorotNConfig struct {
	Gain float64
}

// NewGlorotN returns a Glorot normal weight initializer with the
// given gain
func NewGlorotN(gain float64) (*InitWFn, error) {
	config := GlorotNConfig{
		Gain: gain,
	}

	return newInitWFn(config)
}

// Type returns the type of weight initializer the config creates
func (g GlorotNConfig) Type() Type {
	return GlorotN
}

// Create returns the Gorgonia InitWFn that the config describes
func (g GlorotNConfig) Create() G.InitWFn {
	return G.GlorotN(g.Gain)
}
