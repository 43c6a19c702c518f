package submission

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/VenkatGGG/turno/internal/claims"
)

var csvHeader = []string{"Date", "Time", "Platform", "Username", "Video Link", "Missions", "Follow Status", "IP Address"}

// FormatMissions renders the selected missions as "10 followers, 4 likes",
// or "None" when nothing was selected.
func FormatMissions(missions map[claims.MissionType]MissionProgress) string {
	parts := make([]string, 0, len(missions))
	for _, missionType := range claims.MissionTypes {
		progress, ok := missions[missionType]
		if !ok || !progress.Selected || progress.Count <= 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("%d %s", progress.Count, missionType))
	}
	if len(parts) == 0 {
		return "None"
	}
	return strings.Join(parts, ", ")
}

func followStatus(followed bool) string {
	if followed {
		return "Followed"
	}
	return "Not Followed"
}

// ExportFilename is the download name for an export taken at now.
func ExportFilename(now time.Time) string {
	return "turno-submissions-" + now.UTC().Format("2006-01-02") + ".csv"
}

// WriteCSV writes items as CSV with dates rendered in loc.
func WriteCSV(w io.Writer, items []Submission, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, item := range items {
		at := item.SubmittedAt.In(loc)
		record := []string{
			at.Format("2006-01-02"),
			at.Format("15:04:05"),
			string(item.Platform),
			item.Username,
			item.VideoLink,
			FormatMissions(item.Missions),
			followStatus(item.FollowCompleted),
			item.IPAddress,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
