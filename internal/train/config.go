package train

import (
	"errors"
	"fmt"

	"cpvae/internal/dist"
	"cpvae/internal/nn"
	"cpvae/internal/vae"
)

var ErrInvalidConfig = errors.New("invalid training config")

// Config holds every training hyperparameter. JSON names match the CLI flag
// names with dashes replaced by underscores.
type Config struct {
	Encoder          string  `json:"encoder"`
	Decoder          string  `json:"decoder"`
	LatentDim        int     `json:"latent_dim"`
	MaxTreeDepth     int     `json:"max_tree_depth"`
	MaxTreeLeafNodes int     `json:"max_tree_leaf_nodes"`
	TreeUpdatePeriod int     `json:"tree_update_period"`
	Alpha            float64 `json:"alpha"`
	Beta             float64 `json:"beta"`
	Gamma            float64 `json:"gamma"`
	GammaDelay       int     `json:"gamma_delay"`
	Optimizer        string  `json:"optimizer"`
	LearningRate     float64 `json:"learning_rate"`
	OutputDist       string  `json:"output_dist"`
	OutputDir        string  `json:"output_dir"`
	NumSamples       int     `json:"num_samples"`
	ClipNorm         float64 `json:"clip_norm"`
	Epochs           int     `json:"epochs"`
	Patience         int     `json:"patience"`
	Eps              float64 `json:"eps"`
	Prior            string  `json:"prior"`
	Oversample       bool    `json:"oversample"`
	MCSamples        int     `json:"mc_samples"`
	Seed             uint64  `json:"seed"`
	Debug            bool    `json:"debug"`
}

func DefaultConfig() Config {
	return Config{
		Encoder:          "mlp",
		Decoder:          "mlp",
		LatentDim:        64,
		MaxTreeDepth:     5,
		MaxTreeLeafNodes: 16,
		TreeUpdatePeriod: 3,
		Alpha:            1,
		Beta:             1,
		Gamma:            1,
		GammaDelay:       0,
		Optimizer:        "rmsprop",
		LearningRate:     3e-4,
		OutputDist:       "l2",
		NumSamples:       5,
		ClipNorm:         0,
		Epochs:           1000,
		Patience:         5,
		Eps:              0.03,
		Prior:            vae.KindTree,
		MCSamples:        dist.DefaultMCSamples,
		Seed:             1,
	}
}

func (c Config) Validate() error {
	switch {
	case c.LatentDim <= 0:
		return fmt.Errorf("%w: latent dim must be positive: %d", ErrInvalidConfig, c.LatentDim)
	case c.MaxTreeDepth <= 0:
		return fmt.Errorf("%w: max tree depth must be positive: %d", ErrInvalidConfig, c.MaxTreeDepth)
	case c.MaxTreeLeafNodes < 0:
		return fmt.Errorf("%w: max tree leaf nodes must be >= 0: %d", ErrInvalidConfig, c.MaxTreeLeafNodes)
	case c.TreeUpdatePeriod <= 0:
		return fmt.Errorf("%w: tree update period must be positive: %d", ErrInvalidConfig, c.TreeUpdatePeriod)
	case c.Alpha < 0 || c.Beta < 0 || c.Gamma < 0:
		return fmt.Errorf("%w: loss weights must be non-negative: alpha=%g beta=%g gamma=%g", ErrInvalidConfig, c.Alpha, c.Beta, c.Gamma)
	case c.GammaDelay < 0:
		return fmt.Errorf("%w: gamma delay must be >= 0: %d", ErrInvalidConfig, c.GammaDelay)
	case c.LearningRate <= 0:
		return fmt.Errorf("%w: learning rate must be positive: %g", ErrInvalidConfig, c.LearningRate)
	case c.NumSamples < 0:
		return fmt.Errorf("%w: num samples must be >= 0: %d", ErrInvalidConfig, c.NumSamples)
	case c.ClipNorm < 0:
		return fmt.Errorf("%w: clip norm must be >= 0: %g", ErrInvalidConfig, c.ClipNorm)
	case c.Epochs <= 0:
		return fmt.Errorf("%w: epochs must be positive: %d", ErrInvalidConfig, c.Epochs)
	case c.Patience < 0:
		return fmt.Errorf("%w: patience must be >= 0: %d", ErrInvalidConfig, c.Patience)
	case c.Eps < 0:
		return fmt.Errorf("%w: eps must be >= 0: %g", ErrInvalidConfig, c.Eps)
	case c.MCSamples < 0:
		return fmt.Errorf("%w: mc samples must be >= 0: %d", ErrInvalidConfig, c.MCSamples)
	}
	switch c.Prior {
	case vae.KindTree, vae.KindIsotropic:
	default:
		return fmt.Errorf("%w: unknown prior %q", ErrInvalidConfig, c.Prior)
	}
	switch c.Optimizer {
	case "adam", "rmsprop":
	default:
		return fmt.Errorf("%w: unknown optimizer %q", ErrInvalidConfig, c.Optimizer)
	}
	if _, err := dist.NewOutputDist(c.OutputDist); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for _, name := range []string{c.Encoder, c.Decoder} {
		if _, err := nn.GetNetwork(name); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// gammaActive reports whether the classification term is switched on. It
// stays off through epoch GammaDelay.
func (c Config) gammaActive(epoch int) bool {
	return c.Gamma != 0 && epoch > c.GammaDelay
}
