// Package operators resolves mobile country/network codes to ISO countries
// using an embedded reference table.
package operators

import (
	_ "embed"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
	"gopkg.in/yaml.v3"
)

//go:embed operators.yaml
var rawTable []byte

type tableFile struct {
	MCC       map[int32]string `yaml:"mcc"`
	Overrides []struct {
		MCC     int32  `yaml:"mcc"`
		MNC     int32  `yaml:"mnc"`
		Country string `yaml:"country"`
	} `yaml:"overrides"`
}

type operatorKey struct {
	mcc, mnc int32
}

// Registry answers country lookups for MCC and (MCC, MNC) pairs.
type Registry struct {
	mcc       map[int32]string
	overrides map[operatorKey]string
}

// NewRegistry parses the embedded operator table. Entries that fail ISO
// region validation are dropped with a warning rather than failing startup.
func NewRegistry() (*Registry, error) {
	var tf tableFile
	if err := yaml.Unmarshal(rawTable, &tf); err != nil {
		return nil, eris.Wrap(err, "operators: parse embedded table")
	}

	r := &Registry{
		mcc:       make(map[int32]string, len(tf.MCC)),
		overrides: make(map[operatorKey]string, len(tf.Overrides)),
	}
	for mcc, iso := range tf.MCC {
		if _, err := language.ParseRegion(iso); err != nil {
			zap.L().Warn("operators: dropping invalid region", zap.Int32("mcc", mcc), zap.String("iso", iso))
			continue
		}
		r.mcc[mcc] = iso
	}
	for _, o := range tf.Overrides {
		if _, err := language.ParseRegion(o.Country); err != nil {
			zap.L().Warn("operators: dropping invalid override region",
				zap.Int32("mcc", o.MCC), zap.Int32("mnc", o.MNC), zap.String("iso", o.Country))
			continue
		}
		r.overrides[operatorKey{o.MCC, o.MNC}] = o.Country
	}
	return r, nil
}

// CountryForMCC returns the ISO country the mobile country code belongs to.
func (r *Registry) CountryForMCC(mcc int32) (string, bool) {
	iso, ok := r.mcc[mcc]
	return iso, ok
}

// CountryForOperator returns the home country of the (MCC, MNC) operator,
// which differs from the MCC country for cross-border licensees.
func (r *Registry) CountryForOperator(mcc, mnc int32) (string, bool) {
	if iso, ok := r.overrides[operatorKey{mcc, mnc}]; ok {
		return iso, true
	}
	return r.CountryForMCC(mcc)
}

// CountryName returns the English display name for an ISO country code, or
// the code itself when it cannot be parsed.
func CountryName(iso string) string {
	region, err := language.ParseRegion(iso)
	if err != nil {
		return iso
	}
	if name := display.English.Regions().Name(region); name != "" {
		return name
	}
	return iso
}
