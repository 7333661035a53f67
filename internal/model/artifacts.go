package model

import "net/url"

// Subtitle tracks produced by the pipeline.
const (
	SubtitlesOriginal   = "orig"
	SubtitlesTranslated = "trad"
)

// Artifacts are the download links of a completed job, served by the backend.
type Artifacts struct {
	Video               string   `json:"video"`
	SubtitlesOriginal   string   `json:"subtitlesOriginal"`
	SubtitlesTranslated string   `json:"subtitlesTranslated"`
	DurationS           *float64 `json:"durationS,omitempty"`
}

// ArtifactsFor returns the links for a completed snapshot, or nil when the job
// has not completed or no backend API URL is known.
func ArtifactsFor(apiURL string, snap JobSnapshot) *Artifacts {
	if apiURL == "" || snap.Status != JobStatusCompleted || snap.ID == "" {
		return nil
	}
	job := apiURL + "/jobs/" + url.PathEscape(snap.ID)
	a := &Artifacts{
		Video:               job + "/download",
		SubtitlesOriginal:   job + "/subtitles?lang=" + SubtitlesOriginal,
		SubtitlesTranslated: job + "/subtitles?lang=" + SubtitlesTranslated,
	}
	if snap.DurationS != nil {
		d := *snap.DurationS
		a.DurationS = &d
	}
	return a
}
