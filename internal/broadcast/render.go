package broadcast

import (
	"strconv"
	"time"

	"relaybot/internal/storage"
	"relaybot/pkg/tgui"
)

const barWidth = 20

func target(f storage.Filter) string {
	if f == storage.FilterPremium {
		return "premium users"
	}
	return "all users"
}

func percent(sum Summary) float64 {
	if sum.Total <= 0 {
		return 0
	}
	return min(float64(sum.Attempted)*100/float64(sum.Total), 100)
}

func counters(b *tgui.Builder, sum Summary) *tgui.Builder {
	return b.
		KV("Total", strconv.Itoa(sum.Total)).
		KV("Completed", strconv.Itoa(sum.Attempted)+" / "+strconv.Itoa(sum.Total)).
		KV("Delivered", strconv.Itoa(sum.Delivered)).
		KV("Blocked", strconv.Itoa(sum.Blocked)).
		KV("Deleted", strconv.Itoa(sum.Deleted)).
		KV("Failed", strconv.Itoa(sum.Failed))
}

func bar(pct float64) string {
	return "[" + tgui.Bar(pct, barWidth, "█", "░") + "] " + strconv.FormatFloat(pct, 'f', 1, 64) + "%"
}

func renderProgress(id string, f storage.Filter, sum Summary, elapsed time.Duration) string {
	b := tgui.New().
		Title("📣", "Broadcast to "+target(f)+" in progress").
		Code(bar(percent(sum))).
		KV("Job", id).
		KV("Running for", tgui.Span(elapsed.Truncate(time.Second)))
	return counters(b, sum).Build().Text
}

func renderFinal(id string, f storage.Filter, sum Summary, err error) string {
	title := "Broadcast to " + target(f) + " completed"
	emoji := "✅"
	if err != nil {
		title = "Broadcast to " + target(f) + " stopped"
		emoji = "⚠️"
	}
	b := tgui.New().
		Title(emoji, title).
		Code(bar(percent(sum))).
		KV("Job", id).
		KV("Completed in", tgui.Span(sum.Elapsed.Truncate(time.Second)))
	counters(b, sum)
	if err != nil {
		b.Blank().Code(err.Error())
	}
	return b.Build().Text
}

// RenderStatus formats a tracked job for /broadcast_status.
func RenderStatus(st JobStatus) string {
	state := "finished"
	if st.Running {
		state = "running"
	}
	b := tgui.New().
		Title("📣", "Broadcast "+state).
		KV("Job", st.ID).
		KV("Audience", target(st.Filter)).
		KV("Started", st.StartedAt.UTC().Format(time.RFC3339))
	if !st.DoneAt.IsZero() {
		b.KV("Finished", st.DoneAt.UTC().Format(time.RFC3339))
	}
	b.Code(bar(percent(st.Summary)))
	counters(b, st.Summary)
	if st.Err != "" {
		b.KV("Error", st.Err)
	}
	return b.Build().Text
}
