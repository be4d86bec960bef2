package model

import (
	"path"
	"path/filepath"
	"strings"
)

// ArtifactExt is the fixed suffix appended to an identity to form its archive key
const ArtifactExt = ".npz"

// Identity is the key correlating a source video, its local artifact and its
// remote artifact. It is the video's base name including its extension.
type Identity string

// IdentityFromPath returns the identity of a source video path
func IdentityFromPath(p string) Identity {
	return Identity(filepath.Base(p))
}

// IdentityFromArtifactName returns the identity encoded in an artifact file
// name or object key. ok is false for names that are not artifacts.
func IdentityFromArtifactName(name string) (Identity, bool) {
	base := path.Base(filepath.ToSlash(name))
	if !strings.HasSuffix(base, ArtifactExt) || len(base) == len(ArtifactExt) {
		return "", false
	}
	return Identity(strings.TrimSuffix(base, ArtifactExt)), true
}

// ArtifactName returns the archive file name for the identity
func (id Identity) ArtifactName() string {
	return string(id) + ArtifactExt
}

// ArtifactKey returns the remote object key of the identity's artifact under prefix
func (id Identity) ArtifactKey(prefix string) string {
	return NormalizePrefix(prefix) + id.ArtifactName()
}

func (id Identity) String() string {
	return string(id)
}

// NormalizePrefix makes a non-empty prefix end in exactly one "/" so that
// "abc" never matches keys under "abcdef/".
func NormalizePrefix(prefix string) string {
	if prefix == "" {
		return ""
	}
	return strings.TrimRight(prefix, "/") + "/"
}
