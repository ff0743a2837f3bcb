package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/yungbote/lectern-backend/internal/domain"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

// Store owns every path decision under the outputs and uploads roots. No
// other package composes artifact paths.
//
// Per-job layout:
//
//	outputs/<job_id>/
//	  script.json
//	  sections/<i>/                 1-based
//	    section_audio.mp3
//	    audio/segment_<j>.mp3
//	    audio/segments.json
//	    scene.py, scene_fix<k>.py, scene_final.py
//	    media/
//	    final_section.mp4
//	    status.json
//	  final_video.mp4
//	  video_info.json
//	  thumbnail.jpg
//	  concat.txt
//	  translations/
type Store struct {
	log         *logger.Logger
	outputsRoot string
	uploadsRoot string
}

func NewStore(log *logger.Logger, outputsRoot, uploadsRoot string) (*Store, error) {
	if outputsRoot == "" || uploadsRoot == "" {
		return nil, fmt.Errorf("outputsRoot and uploadsRoot required")
	}
	for _, dir := range []string{outputsRoot, uploadsRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create root %s: %w", dir, err)
		}
	}
	return &Store{
		log:         log.With("service", "ArtifactStore"),
		outputsRoot: outputsRoot,
		uploadsRoot: uploadsRoot,
	}, nil
}

// ---------- path layout ----------

func (s *Store) OutputsRoot() string { return s.outputsRoot }
func (s *Store) UploadsRoot() string { return s.uploadsRoot }

func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.outputsRoot, jobID)
}

func (s *Store) ScriptPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "script.json")
}

func (s *Store) SectionDir(jobID string, section int) string {
	return filepath.Join(s.JobDir(jobID), "sections", strconv.Itoa(section))
}

func (s *Store) SectionVideoPath(jobID string, section int) string {
	return filepath.Join(s.SectionDir(jobID, section), "final_section.mp4")
}

// LegacySectionVideoPath is the pre-rename section video name still honored
// when resuming jobs produced by older builds.
func (s *Store) LegacySectionVideoPath(jobID string, section int) string {
	return filepath.Join(s.JobDir(jobID), fmt.Sprintf("merged_%d.mp4", section))
}

func (s *Store) SectionAudioPath(jobID string, section int) string {
	return filepath.Join(s.SectionDir(jobID, section), "section_audio.mp3")
}

func (s *Store) SegmentAudioPath(jobID string, section, segment int) string {
	return filepath.Join(s.SectionDir(jobID, section), "audio", fmt.Sprintf("segment_%d.mp3", segment))
}

func (s *Store) SegmentTimingsPath(jobID string, section int) string {
	return filepath.Join(s.SectionDir(jobID, section), "audio", "segments.json")
}

func (s *Store) SectionStatusPath(jobID string, section int) string {
	return filepath.Join(s.SectionDir(jobID, section), "status.json")
}

func (s *Store) SectionMediaDir(jobID string, section int) string {
	return filepath.Join(s.SectionDir(jobID, section), "media")
}

// SceneFilePath returns scene.py for attempt 0, scene_fix<N>.py for repair
// attempts, and scene_final.py for the accepted code.
func (s *Store) SceneFilePath(jobID string, section, attempt int) string {
	name := "scene.py"
	if attempt > 0 {
		name = fmt.Sprintf("scene_fix%d.py", attempt)
	}
	return filepath.Join(s.SectionDir(jobID, section), name)
}

func (s *Store) FinalScenePath(jobID string, section int) string {
	return filepath.Join(s.SectionDir(jobID, section), "scene_final.py")
}

func (s *Store) ChoreographyPlanPath(jobID string, section int) string {
	return filepath.Join(s.SectionDir(jobID, section), "choreography_plan.json")
}

func (s *Store) FinalVideoPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "final_video.mp4")
}

func (s *Store) VideoInfoPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "video_info.json")
}

func (s *Store) ThumbnailPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "thumbnail.jpg")
}

func (s *Store) ConcatListPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "concat.txt")
}

func (s *Store) TranslationsDir(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "translations")
}

func (s *Store) UploadPath(fileID, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return filepath.Join(s.uploadsRoot, fileID+ext)
}

// FindUpload locates an upload by id regardless of its extension.
func (s *Store) FindUpload(fileID string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(s.uploadsRoot, fileID+".*"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		// Extensionless uploads are legal.
		bare := filepath.Join(s.uploadsRoot, fileID)
		if _, statErr := os.Stat(bare); statErr == nil {
			return bare, nil
		}
		return "", fmt.Errorf("upload %s not found", fileID)
	}
	return matches[0], nil
}

// ---------- directory management ----------

func (s *Store) EnsureJobDir(jobID string) error {
	if err := os.MkdirAll(s.JobDir(jobID), 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	return nil
}

func (s *Store) EnsureSectionDir(jobID string, section int) error {
	for _, dir := range []string{
		s.SectionDir(jobID, section),
		filepath.Join(s.SectionDir(jobID, section), "audio"),
		s.SectionMediaDir(jobID, section),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create section dir: %w", err)
		}
	}
	return nil
}

// ListJobDirs returns the job ids that currently have an output directory.
func (s *Store) ListJobDirs() ([]string, error) {
	entries, err := os.ReadDir(s.outputsRoot)
	if err != nil {
		return nil, fmt.Errorf("read outputs root: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (s *Store) RemoveJobDir(jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return fmt.Errorf("jobID required")
	}
	return os.RemoveAll(s.JobDir(jobID))
}

// PruneForSuccess removes everything from a finished job's directory except
// the final deliverables and the translations subtree.
func (s *Store) PruneForSuccess(jobID string) error {
	keep := map[string]bool{
		"final_video.mp4": true,
		"video_info.json": true,
		"thumbnail.jpg":   true,
		"translations":    true,
	}
	entries, err := os.ReadDir(s.JobDir(jobID))
	if err != nil {
		return fmt.Errorf("read job dir: %w", err)
	}
	for _, e := range entries {
		if keep[e.Name()] {
			continue
		}
		path := filepath.Join(s.JobDir(jobID), e.Name())
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("prune %s: %w", path, err)
		}
	}
	return nil
}

// ---------- atomic JSON ----------

// WriteJSON writes metadata with a same-directory temp file plus fsync plus
// rename, so a crash mid-write never leaves a partial document behind.
func (s *Store) WriteJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	if err := renameio.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}
	return nil
}

func (s *Store) ReadJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ---------- script persistence ----------

type scriptEnvelope struct {
	Script  *domain.Script `json:"script"`
	SavedAt time.Time      `json:"saved_at"`
}

func (s *Store) SaveScript(jobID string, script *domain.Script) error {
	if script == nil {
		return fmt.Errorf("script required")
	}
	if err := s.EnsureJobDir(jobID); err != nil {
		return err
	}
	env := scriptEnvelope{Script: script, SavedAt: time.Now().UTC()}
	return s.WriteJSON(s.ScriptPath(jobID), env)
}

// LoadScript accepts both the wrapped {"script": {...}, "saved_at": ...}
// envelope and the legacy flat script document.
func (s *Store) LoadScript(jobID string) (*domain.Script, error) {
	raw, err := os.ReadFile(s.ScriptPath(jobID))
	if err != nil {
		return nil, err
	}

	var env scriptEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Script != nil && len(env.Script.Sections) > 0 {
		return env.Script, nil
	}

	var flat domain.Script
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("parse script.json: %w", err)
	}
	if len(flat.Sections) == 0 {
		return nil, fmt.Errorf("script.json has no sections")
	}
	return &flat, nil
}

// ---------- section and video metadata ----------

func (s *Store) WriteSectionStatus(jobID string, section int, phase, detail, errMsg string) error {
	st := domain.SectionStatus{
		Index:     section,
		Phase:     phase,
		Detail:    detail,
		Error:     errMsg,
		UpdatedAt: time.Now().UTC(),
	}
	return s.WriteJSON(s.SectionStatusPath(jobID, section), st)
}

func (s *Store) ReadSectionStatus(jobID string, section int) (*domain.SectionStatus, error) {
	var st domain.SectionStatus
	if err := s.ReadJSON(s.SectionStatusPath(jobID, section), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) WriteSegmentTimings(jobID string, section int, audio *domain.SectionAudio) error {
	return s.WriteJSON(s.SegmentTimingsPath(jobID, section), audio)
}

func (s *Store) ReadSegmentTimings(jobID string, section int) (*domain.SectionAudio, error) {
	var audio domain.SectionAudio
	if err := s.ReadJSON(s.SegmentTimingsPath(jobID, section), &audio); err != nil {
		return nil, err
	}
	return &audio, nil
}

func (s *Store) WriteVideoInfo(jobID string, info *domain.VideoInfo) error {
	return s.WriteJSON(s.VideoInfoPath(jobID), info)
}

func (s *Store) ReadVideoInfo(jobID string) (*domain.VideoInfo, error) {
	var info domain.VideoInfo
	if err := s.ReadJSON(s.VideoInfoPath(jobID), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *Store) WriteSceneFile(path string, code string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	if err := renameio.WriteFile(path, []byte(code), 0o644); err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}
	return nil
}
