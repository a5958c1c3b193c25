package upgrade

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type PrerequisiteKind string

const (
	PrereqPlayerLevel  PrerequisiteKind = "player_level"
	PrereqTotalScore   PrerequisiteKind = "total_score"
	PrereqClickCount   PrerequisiteKind = "click_count"
	PrereqOtherUpgrade PrerequisiteKind = "other_upgrade"
	PrereqAchievement  PrerequisiteKind = "achievement"
	PrereqTimePlayed   PrerequisiteKind = "time_played"
)

// Prerequisite is a tagged union; Kind decides which fields are meaningful.
type Prerequisite struct {
	Kind          PrerequisiteKind `json:"kind"`
	Level         int              `json:"level,omitempty"`
	Value         decimal.Decimal  `json:"value"`
	UpgradeID     string           `json:"upgrade_id,omitempty"`
	AchievementID string           `json:"achievement_id,omitempty"`
	Duration      time.Duration    `json:"duration,omitempty"`
}

func (p Prerequisite) Satisfied(pc PlayerContext) bool {
	switch p.Kind {
	case PrereqPlayerLevel:
		return pc.PlayerLevel >= p.Level
	case PrereqTotalScore:
		return pc.TotalScore.GreaterThanOrEqual(p.Value)
	case PrereqClickCount:
		return pc.ClickCount.GreaterThanOrEqual(p.Value)
	case PrereqOtherUpgrade:
		return pc.Owned[p.UpgradeID] >= p.Level
	case PrereqAchievement, PrereqTimePlayed:
		return pendingIntegration(p)
	}
	return false
}

// pendingIntegration stands in for achievement and play-time tracking, which
// this service does not receive yet. Both kinds are reported as met until the
// game session exposes them.
func pendingIntegration(Prerequisite) bool {
	return true
}

// String names the prerequisite for player-facing feedback.
func (p Prerequisite) String() string {
	switch p.Kind {
	case PrereqPlayerLevel:
		return fmt.Sprintf("player level %d", p.Level)
	case PrereqTotalScore:
		return fmt.Sprintf("total score %s", p.Value.String())
	case PrereqClickCount:
		return fmt.Sprintf("%s clicks", p.Value.String())
	case PrereqOtherUpgrade:
		return fmt.Sprintf("%s level %d", p.UpgradeID, p.Level)
	case PrereqAchievement:
		return "achievement " + p.AchievementID
	case PrereqTimePlayed:
		return "time played " + p.Duration.String()
	}
	return string(p.Kind)
}

// UnmetPrerequisites lists, by name, every prerequisite pc does not satisfy.
func UnmetPrerequisites(def Definition, pc PlayerContext) []string {
	var out []string
	for _, p := range def.Prerequisites {
		if !p.Satisfied(pc) {
			out = append(out, p.String())
		}
	}
	return out
}
