package domain

type CastRequest struct {
	Source            string `json:"source"`
	TargetDevice      string `json:"target_device,omitempty"`
	Transcode         bool   `json:"transcode,omitempty"`
	SubtitlesPath     string `json:"subtitles_path,omitempty"`
	SubtitlesLanguage string `json:"subtitles_language,omitempty"`
}

type CastResult struct {
	OK          bool     `json:"ok"`
	CastID      string   `json:"cast_id"`
	Device      string   `json:"device"`
	Address     string   `json:"address"`
	MediaURL    string   `json:"media_url"`
	ContentType string   `json:"content_type"`
	Transcoding bool     `json:"transcoding"`
	Warnings    []string `json:"warnings"`
}

type ControlRequest struct {
	TargetDevice string `json:"target_device,omitempty"`
	Action       string `json:"action"`
}

type VolumeRequest struct {
	TargetDevice string `json:"target_device,omitempty"`
	// Level is "+", "-", "mute" or an absolute value such as "0.4".
	Level string `json:"level"`
}

type StopRequest struct {
	TargetDevice string `json:"target_device,omitempty"`
	CastID       string `json:"cast_id,omitempty"`
}

type StopResult struct {
	OK            bool   `json:"ok"`
	StoppedCastID string `json:"stopped_cast_id,omitempty"`
	Device        string `json:"device"`
}

type StatusResult struct {
	Device       string   `json:"device"`
	Address      string   `json:"address"`
	LocalAddress string   `json:"local_address"`
	Idle         bool     `json:"idle"`
	AppID        string   `json:"app_id,omitempty"`
	StatusText   string   `json:"status_text,omitempty"`
	PlayerState  string   `json:"player_state,omitempty"`
	ContentID    string   `json:"content_id,omitempty"`
	CurrentTime  float64  `json:"current_time,omitempty"`
	Volume       *float64 `json:"volume,omitempty"`
	Muted        bool     `json:"muted"`
	Applications []string `json:"applications"`
}
