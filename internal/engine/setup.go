package engine

import "fmt"

// Section shapes understood by the engine.
const (
	ShapeRectangular    = "rectangular"
	ShapeCircular       = "circular"
	ShapeHollowCircular = "hollow_circular"
)

// Bracing conditions, in the engine's numbering.
const (
	BracingPinnedPinned = 0
	BracingFixedPinned  = 1
	BracingFixedFixed   = 2
)

// Materials holds concrete and steel properties (MPa and GPa).
type Materials struct {
	Fck   float64 `yaml:"fck" json:"fck"`
	Fyk   float64 `yaml:"fyk" json:"fyk"`
	ModEs float64 `yaml:"mod_es" json:"mod_es"`
}

// Coefficients holds the partial safety factors.
type Coefficients struct {
	GammaF float64 `yaml:"gamma_f" json:"gamma_f"`
	GammaC float64 `yaml:"gamma_c" json:"gamma_c"`
	GammaS float64 `yaml:"gamma_s" json:"gamma_s"`
	Gamma3 float64 `yaml:"gamma_3" json:"gamma_3"`
}

// Section holds the cross-section geometry in cm. InnerDiameter is the void
// of a hollow circular section.
type Section struct {
	Shape         string  `yaml:"shape" json:"shape"`
	Hx            float64 `yaml:"hx" json:"hx,omitempty"`
	Hy            float64 `yaml:"hy" json:"hy,omitempty"`
	Diameter      float64 `yaml:"diameter" json:"diameter,omitempty"`
	InnerDiameter float64 `yaml:"inner_diameter" json:"inner_diameter,omitempty"`
	Bracing       int     `yaml:"bracing" json:"bracing"`
}

// Reinforcement holds the rebar layout: bar diameter in mm, cover to the
// bar centre (d') in cm, and bar counts.
type Reinforcement struct {
	BarDiameterMM float64 `yaml:"bar_diameter_mm" json:"bar_diameter_mm"`
	Cover         float64 `yaml:"cover" json:"cover"`
	Bars          int     `yaml:"bars" json:"bars"`
	Nx            int     `yaml:"nx" json:"nx"`
	Ny            int     `yaml:"ny" json:"ny"`
}

// Setup is the stateful configuration materialized into every new engine
// session before the first computation.
type Setup struct {
	Materials     Materials     `yaml:"materials" json:"materials"`
	Coefficients  Coefficients  `yaml:"coefficients" json:"coefficients"`
	Length        float64       `yaml:"length" json:"length"`
	Section       Section       `yaml:"section" json:"section"`
	Reinforcement Reinforcement `yaml:"reinforcement" json:"reinforcement"`
}

// DefaultSetup returns a C30 / CA-50 circular pile section with 10 bars of 25 mm.
func DefaultSetup() Setup {
	return Setup{
		Materials:    Materials{Fck: 30, Fyk: 500, ModEs: 210},
		Coefficients: Coefficients{GammaF: 1.4, GammaC: 1.4, GammaS: 1.15, Gamma3: 1.0},
		Length:       300,
		Section:      Section{Shape: ShapeCircular, Diameter: 60, Bracing: BracingPinnedPinned},
		Reinforcement: Reinforcement{
			BarDiameterMM: 25,
			Cover:         8,
			Bars:          10,
			Nx:            10,
		},
	}
}

// Validate rejects setups the engine would misinterpret silently.
func (s Setup) Validate() error {
	if s.Materials.Fck <= 0 || s.Materials.Fyk <= 0 || s.Materials.ModEs <= 0 {
		return fmt.Errorf("engine.setup.materials: fck, fyk and mod_es must be positive")
	}
	if s.Length <= 0 {
		return fmt.Errorf("engine.setup.length must be positive")
	}
	switch s.Section.Shape {
	case ShapeRectangular:
		if s.Section.Hx <= 0 || s.Section.Hy <= 0 {
			return fmt.Errorf("engine.setup.section: hx and hy must be positive")
		}
	case ShapeCircular:
		if s.Section.Diameter <= 0 {
			return fmt.Errorf("engine.setup.section: diameter must be positive")
		}
	case ShapeHollowCircular:
		if s.Section.Diameter <= 0 {
			return fmt.Errorf("engine.setup.section: diameter must be positive")
		}
		if s.Section.InnerDiameter <= 0 || s.Section.InnerDiameter >= s.Section.Diameter {
			return fmt.Errorf("engine.setup.section: inner_diameter must be between 0 and diameter")
		}
	default:
		return fmt.Errorf("engine.setup.section: unknown shape %q", s.Section.Shape)
	}
	if s.Section.Bracing < BracingPinnedPinned || s.Section.Bracing > BracingFixedFixed {
		return fmt.Errorf("engine.setup.section: bracing must be 0, 1 or 2")
	}
	if s.Reinforcement.BarDiameterMM <= 0 || s.Reinforcement.Bars <= 0 {
		return fmt.Errorf("engine.setup.reinforcement: bar_diameter_mm and bars must be positive")
	}
	return nil
}
