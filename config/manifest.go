package config

import (
	"fmt"
	"path/filepath"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"
)

// Manifest is the part of the backend's build document the proxy depends on.
// It is immutable once loaded.
type Manifest struct {
	ExecutablePath  string
	HealthcheckPath string
}

type manifestDocument struct {
	Core struct {
		DistDir string `mapstructure:"DistDir"`
	} `mapstructure:"Core"`
	Watch struct {
		HealthcheckEndpoint string `mapstructure:"HealthcheckEndpoint"`
	} `mapstructure:"Watch"`
}

func (d *manifestDocument) Validate() error {
	return validation.Errors{
		"Core.DistDir": validation.Validate(d.Core.DistDir, validation.Required),
		"Watch.HealthcheckEndpoint": validation.Validate(d.Watch.HealthcheckEndpoint,
			validation.Required,
			validation.By(validateURLPath),
		),
	}.Filter()
}

// LoadManifest parses the JSON document at path and resolves the backend
// executable as <Core.DistDir>/<executable>, relative to the working directory.
func LoadManifest(path, executable string) (*Manifest, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read backend manifest %s: %w", path, err)
	}

	var doc manifestDocument
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("decode backend manifest %s: %w", path, err)
	}

	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid backend manifest %s: %w", path, err)
	}

	exe, err := filepath.Abs(filepath.Join(doc.Core.DistDir, executable))
	if err != nil {
		return nil, fmt.Errorf("resolve backend executable: %w", err)
	}

	return &Manifest{
		ExecutablePath:  exe,
		HealthcheckPath: doc.Watch.HealthcheckEndpoint,
	}, nil
}

func validateURLPath(value interface{}) error {
	p, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if !strings.HasPrefix(p, "/") {
		return validation.NewError("validation_invalid_path", "must be an absolute URL path starting with /")
	}

	return nil
}
