package types

import (
	"strings"
	"time"
)

// ArtifactKind classifies build outputs.
type ArtifactKind string

const (
	ArtifactKernelImage   ArtifactKind = "kernel-image"
	ArtifactInitrd        ArtifactKind = "initrd"
	ArtifactRootfs        ArtifactKind = "rootfs"
	ArtifactDeviceTree    ArtifactKind = "device-tree"
	ArtifactKernelModules ArtifactKind = "kernel-modules"
	ArtifactBuildLog      ArtifactKind = "build-log"
)

// KindForFilename infers the artifact kind from a collected filename.
func KindForFilename(name string) ArtifactKind {
	switch {
	case name == "Image", name == "zImage", name == "bzImage", name == "vmlinuz",
		name == "uImage", name == "Image.gz":
		return ArtifactKernelImage
	case strings.HasSuffix(name, ".dtb"), strings.HasSuffix(name, ".dtbo"):
		return ArtifactDeviceTree
	case strings.HasSuffix(name, ".cpio"), strings.HasSuffix(name, ".cpio.gz"),
		strings.HasPrefix(name, "initrd"), strings.HasPrefix(name, "initramfs"):
		return ArtifactInitrd
	case strings.HasSuffix(name, ".ext4"), strings.HasSuffix(name, ".squashfs"),
		strings.HasPrefix(name, "rootfs"):
		return ArtifactRootfs
	case strings.HasSuffix(name, ".ko"), strings.HasPrefix(name, "modules"):
		return ArtifactKernelModules
	case strings.HasSuffix(name, ".log"):
		return ArtifactBuildLog
	}
	return ArtifactKernelImage
}

// Artifact is a content-addressed file produced by a build job.
// (BuildID, Filename) is unique within the index; SHA256 always matches the
// stored bytes.
type Artifact struct {
	ID      string       `json:"id"`
	BuildID string       `json:"build_id"`
	Kind    ArtifactKind `json:"kind"`

	Filename string `json:"filename"`
	Path     string `json:"path"`

	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`

	Architecture string `json:"architecture"`

	CreatedAt time.Time `json:"created_at"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// FirmwareVersion returns the firmware version recorded on the artifact, if any.
func (a *Artifact) FirmwareVersion() string {
	return a.Metadata["firmware_version"]
}

// ArtifactSelection picks a set of artifacts for a deployment. Exactly one
// selector should be set; an empty selection resolves to nothing.
type ArtifactSelection struct {
	// ArtifactIDs selects explicit artifacts.
	ArtifactIDs []string `json:"artifact_ids,omitempty"`

	// BuildID selects all artifacts of a build.
	BuildID string `json:"build_id,omitempty"`

	// CommitHash selects the artifacts of the build for a commit,
	// optionally narrowed by Architecture.
	CommitHash string `json:"commit_hash,omitempty"`

	// Branch selects the latest successful build on the branch for the
	// given Architecture.
	Branch string `json:"branch,omitempty"`

	Architecture string `json:"architecture,omitempty"`

	// FirmwareVersion labels what this selection represents on a board.
	FirmwareVersion string `json:"firmware_version,omitempty"`
}

// Empty reports whether no selector is set.
func (s ArtifactSelection) Empty() bool {
	return len(s.ArtifactIDs) == 0 && s.BuildID == "" && s.CommitHash == "" && s.Branch == ""
}
