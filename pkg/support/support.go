// Package support documents the external collaborators spec.md §6 lists
// as out of scope for the core: an INI-style credential store, bitmap
// (BMP/PNG) loaders, and a CLI argument parser. These are consumed by the
// core only through the interfaces below — no concrete implementation
// ships in this module (spec.md §1's explicit non-goals), matching
// SPEC_FULL.md §6's "consumed only as interfaces" decision.
package support

// CredentialRecord is one entry in an INI-style "SAM" credential store:
// user:domain:ntHashHex:lmHashHex:optional, five colon-separated fields,
// hashes either empty or 32 hex characters (spec.md §6).
type CredentialRecord struct {
	User    string
	Domain  string
	NTHash  string
	LMHash  string
	Comment string
}

// CredentialStore looks up and mutates the on-disk credential file. An
// empty Domain in Lookup matches the default record for User.
type CredentialStore interface {
	Lookup(user, domain string) (CredentialRecord, bool, error)
	Upsert(rec CredentialRecord) error
	Remove(user, domain string) error
}

// BitmapImage is a decoded bitmap: pixels plus dimensions and bit depth,
// always normalized to top-down row order regardless of source layout
// (spec.md §6's BMP bottom-up reflection rule).
type BitmapImage struct {
	Pixels        []byte
	Width, Height int
	BitsPerPixel  int
	BytesPerPixel int
}

// BitmapLoader decodes BMP or PNG files into a BitmapImage. The PNG path
// is delegated to an external decoder (spec.md §6); BitsPerPixel is
// always 32 and BytesPerPixel 4 for PNG sources.
type BitmapLoader interface {
	LoadBMP(path string) (BitmapImage, error)
	LoadPNG(path string) (BitmapImage, error)
}

// ArgParser is the key=value CLI argument parser spec.md §6 describes:
// separators ':' and '=', sigils '/', '-', '--', '+', with optional
// enable-/disable- boolean prefixes. Not part of the core; the admin CLI
// in cmd/vchannelctl uses spf13/cobra instead and never calls this.
type ArgParser interface {
	Parse(args []string) (map[string]string, error)
}
