// Package campaign holds the user-facing mission flow: choosing offers,
// completing tasks, confirming the follow and sending the result.
package campaign

import (
	"errors"
	"fmt"
	"math"

	"github.com/VenkatGGG/turno/internal/claims"
	"github.com/VenkatGGG/turno/internal/submission"
)

var (
	ErrNotSelected = errors.New("mission is not selected")
	ErrTasksDone   = errors.New("all tasks for this mission are done")
)

// TaskCount is the number of task buttons an offer of count units presents.
func TaskCount(count int) int {
	if count <= 0 {
		return 0
	}
	return count / 2
}

// Run is one user's pass through the campaign page for a single platform.
type Run struct {
	Platform        claims.Platform
	Username        string
	VideoLink       string
	Missions        map[claims.MissionType]submission.MissionProgress
	FollowCompleted bool
}

func NewRun(platform claims.Platform, username string) *Run {
	run := &Run{
		Platform: platform,
		Username: username,
		Missions: make(map[claims.MissionType]submission.MissionProgress, len(claims.MissionTypes)),
	}
	for _, missionType := range claims.MissionTypes {
		run.Missions[missionType] = submission.MissionProgress{}
	}
	return run
}

// replayRun rebuilds a run from the progress a client reports, applying the
// same transitions the page does. Completing more tasks than an offer has, or
// naming a mission type twice, is invalid input.
func replayRun(platform claims.Platform, username string, reported map[claims.MissionType]submission.MissionProgress, followed bool) (*Run, error) {
	run := NewRun(platform, username)
	for rawType, progress := range reported {
		if !progress.Selected {
			continue
		}
		missionType, err := claims.ParseMissionType(string(rawType))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if run.Missions[missionType].Selected {
			return nil, fmt.Errorf("%w: %s listed twice", ErrInvalidInput, missionType)
		}
		run.SelectMission(missionType, progress.Count)
		for i := 0; i < progress.Completed; i++ {
			if err := run.CompleteTask(missionType); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidInput, missionType, err)
			}
		}
	}
	if followed {
		run.ConfirmFollow()
	}
	return run, nil
}

// SelectMission picks an offer for missionType. Picking the offer that is
// already selected deselects it. It reports whether the type ends up selected.
func (r *Run) SelectMission(missionType claims.MissionType, count int) bool {
	current := r.Missions[missionType]
	if current.Selected && current.Count == count {
		r.Missions[missionType] = submission.MissionProgress{}
		return false
	}
	r.Missions[missionType] = submission.MissionProgress{Selected: true, Count: count}
	return true
}

// CompleteTask marks the next task of missionType as done.
func (r *Run) CompleteTask(missionType claims.MissionType) error {
	current := r.Missions[missionType]
	if !current.Selected {
		return ErrNotSelected
	}
	if current.Completed >= TaskCount(current.Count) {
		return ErrTasksDone
	}
	current.Completed++
	r.Missions[missionType] = current
	return nil
}

// ConfirmFollow records that the user followed, or already followed, the account.
func (r *Run) ConfirmFollow() {
	r.FollowCompleted = true
}

// Progress is the percent of missionType's tasks done.
func (r *Run) Progress(missionType claims.MissionType) int {
	current := r.Missions[missionType]
	tasks := TaskCount(current.Count)
	if !current.Selected || tasks == 0 {
		return 0
	}
	return int(math.Round(float64(current.Completed) / float64(tasks) * 100))
}

// TotalProgress is the percent of tasks done across selected missions.
func (r *Run) TotalProgress() int {
	total, done := 0, 0
	for _, progress := range r.Missions {
		if !progress.Selected {
			continue
		}
		total += TaskCount(progress.Count)
		done += progress.Completed
	}
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(done) / float64(total) * 100))
}

// ReadyToSend reports whether at least one mission is selected, every selected
// mission is fully completed and the follow is confirmed.
func (r *Run) ReadyToSend() bool {
	anySelected := false
	for _, progress := range r.Missions {
		if !progress.Selected {
			continue
		}
		anySelected = true
		if progress.Completed != TaskCount(progress.Count) {
			return false
		}
	}
	return anySelected && r.FollowCompleted
}

// Selected returns the selected missions only.
func (r *Run) Selected() map[claims.MissionType]submission.MissionProgress {
	out := make(map[claims.MissionType]submission.MissionProgress, len(r.Missions))
	for missionType, progress := range r.Missions {
		if progress.Selected {
			out[missionType] = progress
		}
	}
	return out
}

type MissionStatus struct {
	Selected  bool `json:"selected"`
	Count     int  `json:"count"`
	Completed int  `json:"completed"`
	Tasks     int  `json:"tasks"`
	Percent   int  `json:"percent"`
}

// RunStatus is what the page renders: per-mission and total progress and
// whether the send button is enabled.
type RunStatus struct {
	Missions        map[claims.MissionType]MissionStatus `json:"missions"`
	TotalProgress   int                                  `json:"total_progress"`
	FollowCompleted bool                                 `json:"follow_completed"`
	Ready           bool                                 `json:"ready"`
}

func (r *Run) Status() RunStatus {
	out := RunStatus{
		Missions:        make(map[claims.MissionType]MissionStatus, len(r.Missions)),
		TotalProgress:   r.TotalProgress(),
		FollowCompleted: r.FollowCompleted,
		Ready:           r.ReadyToSend(),
	}
	for missionType, progress := range r.Missions {
		out.Missions[missionType] = MissionStatus{
			Selected:  progress.Selected,
			Count:     progress.Count,
			Completed: progress.Completed,
			Tasks:     TaskCount(progress.Count),
			Percent:   r.Progress(missionType),
		}
	}
	return out
}
