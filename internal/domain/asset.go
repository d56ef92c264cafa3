package domain

import (
	"fmt"
	"strings"
)

// AssetKind discriminates the two asset variants a ledger can hold.
type AssetKind uint8

const (
	AssetNative AssetKind = iota
	AssetIssued
)

func (k AssetKind) String() string {
	switch k {
	case AssetNative:
		return "native"
	case AssetIssued:
		return "issued"
	default:
		return "unknown"
	}
}

// Asset is either the ledger's native asset or an issued credit identified by
// code and issuer. The zero value is the native asset.
type Asset struct {
	kind   AssetKind
	code   string
	issuer string
}

// NativeAsset returns the ledger's native asset.
func NativeAsset() Asset {
	return Asset{kind: AssetNative}
}

// IssuedAsset builds an issued credit. Code and issuer are required.
func IssuedAsset(code, issuer string) (Asset, error) {
	code = strings.TrimSpace(code)
	issuer = strings.TrimSpace(issuer)
	if code == "" || len(code) > 12 {
		return Asset{}, fmt.Errorf("domain: asset code %q must be 1-12 characters", code)
	}
	if issuer == "" {
		return Asset{}, fmt.Errorf("domain: asset %s: issuer is required", code)
	}
	return Asset{kind: AssetIssued, code: code, issuer: issuer}, nil
}

// MustIssuedAsset is IssuedAsset for constants and tests.
func MustIssuedAsset(code, issuer string) Asset {
	a, err := IssuedAsset(code, issuer)
	if err != nil {
		panic(err)
	}
	return a
}

// ParseAsset parses "native" (or "XLM") and "CODE:ISSUER".
func ParseAsset(s string) (Asset, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "native") || strings.EqualFold(s, "xlm") {
		return NativeAsset(), nil
	}
	code, issuer, ok := strings.Cut(s, ":")
	if !ok {
		return Asset{}, fmt.Errorf("domain: parse asset %q: expected native or CODE:ISSUER", s)
	}
	return IssuedAsset(code, issuer)
}

func (a Asset) Kind() AssetKind { return a.kind }
func (a Asset) IsNative() bool  { return a.kind == AssetNative }

// Code returns the asset code; the native asset reports "native".
func (a Asset) Code() string {
	switch a.kind {
	case AssetNative:
		return "native"
	case AssetIssued:
		return a.code
	default:
		return ""
	}
}

// Issuer returns the issuing account, empty for the native asset.
func (a Asset) Issuer() string {
	switch a.kind {
	case AssetNative:
		return ""
	case AssetIssued:
		return a.issuer
	default:
		return ""
	}
}

// String is the canonical key form: "native" or "CODE:ISSUER".
func (a Asset) String() string {
	switch a.kind {
	case AssetNative:
		return "native"
	case AssetIssued:
		return a.code + ":" + a.issuer
	default:
		return "unknown"
	}
}

func (a Asset) Equal(b Asset) bool {
	return a.kind == b.kind && a.code == b.code && a.issuer == b.issuer
}

// MarshalText implements encoding.TextMarshaler.
func (a Asset) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Asset) UnmarshalText(text []byte) error {
	parsed, err := ParseAsset(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// TradingPair is a base/counter market. Buying the pair acquires Base paying
// Counter; the limit price is expressed in Counter per unit of Base.
type TradingPair struct {
	Base    Asset `json:"base"`
	Counter Asset `json:"counter"`
}

func (p TradingPair) String() string {
	return p.Base.String() + "/" + p.Counter.String()
}

// Validate rejects pairs that trade an asset against itself.
func (p TradingPair) Validate() error {
	if p.Base.Equal(p.Counter) {
		return fmt.Errorf("domain: pair %s: base and counter must differ", p)
	}
	return nil
}
