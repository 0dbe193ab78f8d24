package storage

import (
	"path/filepath"

	"github.com/clipforge/clipforge/internal/models"
)

// Data root layout. Everything a project produces lives under its own
// directory so deleting the project is one RemoveAll:
//
//	projects/{id}/source.{ext}   materialized source media
//	projects/{id}/proxy.mp4      editing proxy
//	projects/{id}/audio.wav      extracted audio track
//	projects/{id}/thumbnail.jpg  cached poster frame
//	projects/{id}/analysis/      step cache entries ({step}.json)
//	projects/{id}/variants/      per-segment preview renders
//	projects/{id}/exports/       packaged deliverables
//	temp/                        scratch space, swept at startup
const (
	// ProjectsDirName is the directory holding per-project trees.
	ProjectsDirName = "projects"
	// TempDirName is the scratch directory subprocesses write into before
	// their output is published.
	TempDirName = "temp"

	// ProxyFileName is the editing proxy inside a project directory.
	ProxyFileName = "proxy.mp4"
	// AudioFileName is the extracted audio track.
	AudioFileName = "audio.wav"
	// ThumbnailFileName is the cached poster frame.
	ThumbnailFileName = "thumbnail.jpg"
)

// ProjectDir returns the sandbox-relative directory of a project.
func ProjectDir(projectID models.ULID) string {
	return filepath.Join(ProjectsDirName, projectID.String())
}

// SourceFile returns the sandbox-relative path of the materialized source
// with the given extension ("mp4", "mkv", ...).
func SourceFile(projectID models.ULID, ext string) string {
	return filepath.Join(ProjectDir(projectID), "source."+ext)
}

// ProxyFile returns the sandbox-relative path of the editing proxy.
func ProxyFile(projectID models.ULID) string {
	return filepath.Join(ProjectDir(projectID), ProxyFileName)
}

// AudioFile returns the sandbox-relative path of the extracted audio.
func AudioFile(projectID models.ULID) string {
	return filepath.Join(ProjectDir(projectID), AudioFileName)
}

// ThumbnailFile returns the sandbox-relative path of the cached thumbnail.
func ThumbnailFile(projectID models.ULID) string {
	return filepath.Join(ProjectDir(projectID), ThumbnailFileName)
}

// AnalysisDir returns the sandbox-relative step cache directory.
func AnalysisDir(projectID models.ULID) string {
	return filepath.Join(ProjectDir(projectID), "analysis")
}

// AnalysisEntry returns the sandbox-relative path of one step cache entry.
func AnalysisEntry(projectID models.ULID, step string) string {
	return filepath.Join(AnalysisDir(projectID), step+".json")
}

// VariantsDir returns the sandbox-relative directory for per-segment
// preview renders.
func VariantsDir(projectID models.ULID) string {
	return filepath.Join(ProjectDir(projectID), "variants")
}

// VariantFile returns the sandbox-relative path of one rendered variant.
func VariantFile(projectID models.ULID, segmentID models.ULID, preset string) string {
	return filepath.Join(VariantsDir(projectID), segmentID.String()+"_"+preset+".mp4")
}

// ExportsDir returns the sandbox-relative directory for deliverables.
func ExportsDir(projectID models.ULID) string {
	return filepath.Join(ProjectDir(projectID), "exports")
}

// ExportFile returns the sandbox-relative path of one packaged clip.
func ExportFile(projectID models.ULID, segmentID models.ULID) string {
	return filepath.Join(ExportsDir(projectID), segmentID.String()+".mp4")
}

// ExportCoverFile returns the sandbox-relative path of a clip's cover image.
func ExportCoverFile(projectID models.ULID, segmentID models.ULID) string {
	return filepath.Join(ExportsDir(projectID), segmentID.String()+"_cover.jpg")
}

// ExportCaptionFile returns the sandbox-relative path of a standalone caption
// file in the given format ("ass", "srt", "vtt").
func ExportCaptionFile(projectID models.ULID, segmentID models.ULID, format string) string {
	return filepath.Join(ExportsDir(projectID), segmentID.String()+"."+format)
}

// ExportPostFile returns the sandbox-relative path of a clip's post text.
func ExportPostFile(projectID models.ULID, segmentID models.ULID) string {
	return filepath.Join(ExportsDir(projectID), segmentID.String()+"_post.txt")
}

// ExportMetadataFile returns the sandbox-relative path of a clip's metadata
// document.
func ExportMetadataFile(projectID models.ULID, segmentID models.ULID) string {
	return filepath.Join(ExportsDir(projectID), segmentID.String()+"_metadata.json")
}
