package volume

import (
	"time"

	"github.com/MrWong99/rtcsession/pkg/types"
)

// EventKind discriminates [Event] values.
type EventKind int

const (
	// UserStartedSpeaking is emitted when a user enters the speaking set.
	UserStartedSpeaking EventKind = iota + 1

	// UserStoppedSpeaking is emitted when a user leaves the speaking set.
	UserStoppedSpeaking

	// DominantSpeakerChanged is emitted when the elected dominant speaker
	// differs from the previous tick's, including a change to nobody.
	DominantSpeakerChanged

	// VolumeListUpdated is emitted once per processed tick with the full
	// smoothed list.
	VolumeListUpdated
)

// String returns the snake_case name of the kind, as used in metrics.
func (k EventKind) String() string {
	switch k {
	case UserStartedSpeaking:
		return "user_started_speaking"
	case UserStoppedSpeaking:
		return "user_stopped_speaking"
	case DominantSpeakerChanged:
		return "dominant_speaker_changed"
	case VolumeListUpdated:
		return "volume_list_updated"
	default:
		return "unknown"
	}
}

// Event is one item of the engine's event stream. Which fields are set
// depends on Kind:
//
//   - UserStartedSpeaking / UserStoppedSpeaking: UserID and Volume (that
//     user's smoothed snapshot). A user who stops because it is missing
//     from the batch carries its last smoothed volume.
//   - DominantSpeakerChanged: UserID (empty when nobody speaks) and
//     PreviousUserID.
//   - VolumeListUpdated: Volumes.
type Event struct {
	Kind           EventKind
	UserID         string
	PreviousUserID string
	Volume         types.UserVolumeInfo
	Volumes        []types.UserVolumeInfo
	At             time.Time
}
