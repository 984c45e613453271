package commands

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/blikh/ts-activity-tracker/internal/analytics"
	"github.com/blikh/ts-activity-tracker/internal/config"
	"github.com/blikh/ts-activity-tracker/internal/storage"
)

func Stats(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "configs/tracker.yaml", "path to config file")
	report := fs.String("report", "summary", "report to print: summary, top, idle, channels, growth, online, switches, sessions, ltv, heatmap, weekday, peak, away, mute, groups, user")
	days := fs.Int("days", 7, "analysis window in days (0 = all time)")
	limit := fs.Int("limit", 10, "maximum rows to print")
	uid := fs.String("uid", "", "user unique identifier (for -report user)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	store, err := storage.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open storage", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	engine := analytics.New(store, cfg.Polling.IntervalSeconds, logger)

	switch *report {
	case "summary":
		err = printSummary(ctx, engine, store, *days)
	case "top":
		err = printTopUsers(ctx, engine, *days, *limit)
	case "idle":
		err = printIdleUsers(ctx, engine, *days, *limit)
	case "channels":
		err = printChannels(ctx, engine, *days)
	case "growth":
		err = printGrowth(ctx, engine, *days)
	case "online":
		err = printOnline(ctx, engine)
	case "switches":
		err = printSwitches(ctx, engine, *days, *limit)
	case "sessions":
		err = printSessions(ctx, engine, *days, *limit)
	case "ltv":
		err = printLTV(ctx, engine, *days, *limit)
	case "heatmap":
		err = printHeatmap(ctx, engine, *days)
	case "weekday":
		err = printWeekdays(ctx, engine, *days)
	case "peak":
		err = printPeaks(ctx, engine, *days, *limit)
	case "away":
		err = printAway(ctx, engine, *days, *limit)
	case "mute":
		err = printMute(ctx, engine, *days)
	case "groups":
		err = printGroups(ctx, engine, *days)
	case "user":
		if *uid == "" {
			fmt.Fprintln(os.Stderr, "error: -uid is required for -report user")
			os.Exit(1)
		}
		err = printUser(ctx, engine, *uid, *days)
	default:
		fmt.Fprintf(os.Stderr, "unknown report: %s\n", *report)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("report failed", "report", *report, "err", err)
		os.Exit(1)
	}
}

func newTable(headers []string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeader(headers)
	return table
}

func formatTS(ts int64) string {
	return time.Unix(ts, 0).Format("2006-01-02 15:04")
}

func printSummary(ctx context.Context, engine *analytics.Engine, store storage.Backend, days int) error {
	summary, err := engine.Summary(ctx, days)
	if err != nil {
		return err
	}
	st, err := store.Stats(ctx)
	if err != nil {
		return err
	}

	table := newTable([]string{"Metric", "Value"})
	table.Append([]string{"Window (days)", strconv.Itoa(days)})
	table.Append([]string{"Snapshots", strconv.FormatInt(summary.TotalSnapshots, 10)})
	table.Append([]string{"Avg users online", fmt.Sprintf("%.2f", summary.AvgUsersOnline)})
	table.Append([]string{"Max users online", strconv.FormatInt(summary.MaxUsersOnline, 10)})
	table.Append([]string{"Unique users", strconv.FormatInt(summary.UniqueUsers, 10)})
	table.Append([]string{"Database size (bytes)", strconv.FormatInt(st.SizeBytes, 10)})
	table.Append([]string{"Schema version", st.SchemaVersion})
	table.Render()
	return nil
}

func printTopUsers(ctx context.Context, engine *analytics.Engine, days, limit int) error {
	users, err := engine.TopUsers(ctx, days, limit)
	if err != nil {
		return err
	}
	table := newTable([]string{"Nickname", "Samples", "Online (h)", "First Seen", "Last Seen"})
	for _, u := range users {
		table.Append([]string{
			u.Nickname,
			strconv.FormatInt(u.SampleCount, 10),
			fmt.Sprintf("%.2f", u.OnlineHours),
			formatTS(u.FirstSeen),
			formatTS(u.LastSeen),
		})
	}
	table.Render()
	return nil
}

func printIdleUsers(ctx context.Context, engine *analytics.Engine, days, limit int) error {
	users, err := engine.TopIdleUsers(ctx, days, limit)
	if err != nil {
		return err
	}
	table := newTable([]string{"Nickname", "Avg Idle (min)", "Samples"})
	for _, u := range users {
		table.Append([]string{
			u.Nickname,
			fmt.Sprintf("%.2f", float64(u.AvgIdleMS)/60000),
			strconv.FormatInt(u.SampleCount, 10),
		})
	}
	table.Render()
	return nil
}

func printChannels(ctx context.Context, engine *analytics.Engine, days int) error {
	channels, err := engine.ChannelStats(ctx, days)
	if err != nil {
		return err
	}
	table := newTable([]string{"Channel", "Visits", "Unique Users", "Avg Idle (min)"})
	for _, ch := range channels {
		table.Append([]string{
			ch.Name,
			strconv.FormatInt(ch.TotalVisits, 10),
			strconv.FormatInt(ch.UniqueUsers, 10),
			fmt.Sprintf("%.2f", float64(ch.AvgIdleMS)/60000),
		})
	}
	table.Render()
	return nil
}

func printGrowth(ctx context.Context, engine *analytics.Engine, days int) error {
	growth, err := engine.GrowthMetrics(ctx, days)
	if err != nil {
		return err
	}
	table := newTable([]string{"Metric", "Value"})
	table.Append([]string{"Window (days)", strconv.Itoa(growth.PeriodDays)})
	table.Append([]string{"Unique users", strconv.FormatInt(growth.TotalUniqueUsers, 10)})
	table.Append([]string{"New users", strconv.FormatInt(growth.NewUsers, 10)})
	table.Append([]string{"Returning users", strconv.FormatInt(growth.ReturningUsers, 10)})
	table.Append([]string{"New user %", fmt.Sprintf("%.2f", growth.NewUserPercent)})
	table.Render()
	return nil
}

func printOnline(ctx context.Context, engine *analytics.Engine) error {
	online, err := engine.OnlineNow(ctx)
	if err != nil {
		return err
	}
	table := newTable([]string{"Nickname", "Channel", "Idle (min)", "Away", "Mic", "Connected (h)"})
	for _, u := range online {
		mic := "on"
		if u.InputMuted {
			mic = "muted"
		}
		away := ""
		if u.IsAway {
			away = "away"
			if u.AwayMessage != "" {
				away += ": " + u.AwayMessage
			}
		}
		table.Append([]string{
			u.Nickname,
			strconv.FormatInt(u.ChannelID, 10),
			fmt.Sprintf("%.1f", float64(u.IdleMS)/60000),
			away,
			mic,
			fmt.Sprintf("%.2f", float64(u.ConnectedTime)/3600000),
		})
	}
	table.Render()
	fmt.Printf("%d users online\n", len(online))
	return nil
}

func printSwitches(ctx context.Context, engine *analytics.Engine, days, limit int) error {
	switches, err := engine.ChannelSwitches(ctx, days, limit)
	if err != nil {
		return err
	}
	table := newTable([]string{"Nickname", "Switches", "Samples", "Switches/h"})
	for _, u := range switches {
		table.Append([]string{
			u.Nickname,
			strconv.FormatInt(u.Switches, 10),
			strconv.FormatInt(u.TotalSamples, 10),
			fmt.Sprintf("%.2f", u.SwitchesPerHour),
		})
	}
	table.Render()
	return nil
}

func printSessions(ctx context.Context, engine *analytics.Engine, days, limit int) error {
	report, err := engine.ConnectionPatterns(ctx, days, limit)
	if err != nil {
		return err
	}
	table := newTable([]string{"Nickname", "Sessions", "Avg Session (min)"})
	for _, u := range report.TopReconnectors {
		table.Append([]string{
			u.Nickname,
			strconv.FormatInt(u.SessionCount, 10),
			fmt.Sprintf("%.2f", u.AvgSessionMinutes),
		})
	}
	table.Render()
	fmt.Printf("%d users, %.2f h average online time\n", report.TotalUsers, report.AvgOnlineHours)
	return nil
}

func printLTV(ctx context.Context, engine *analytics.Engine, days, limit int) error {
	users, err := engine.LifetimeValue(ctx, days, limit)
	if err != nil {
		return err
	}
	table := newTable([]string{"Nickname", "Score", "Category", "Samples", "Days Active", "Channels", "Activity %"})
	for _, u := range users {
		table.Append([]string{
			u.Nickname,
			strconv.Itoa(u.Score),
			u.Category,
			strconv.FormatInt(u.SampleCount, 10),
			strconv.FormatInt(u.DaysActive, 10),
			strconv.FormatInt(u.ChannelsVisited, 10),
			fmt.Sprintf("%.1f", u.ActivityFrequencyPct),
		})
	}
	table.Render()

	summary, err := engine.LTVSummaryReport(ctx, days)
	if err != nil {
		return err
	}
	fmt.Printf("%d scored users: %d power / %d regular / %d casual, avg score %.1f\n",
		summary.TotalUsers, summary.PowerUsers, summary.RegularUsers, summary.CasualUsers, summary.AvgScore)
	return nil
}

func printHeatmap(ctx context.Context, engine *analytics.Engine, days int) error {
	heatmap, err := engine.HourlyHeatmap(ctx, days)
	if err != nil {
		return err
	}
	table := newTable([]string{"Hour (UTC)", "Avg Users", "Snapshots"})
	for _, bucket := range heatmap {
		table.Append([]string{
			fmt.Sprintf("%02d:00", bucket.Hour),
			fmt.Sprintf("%.2f", bucket.AvgClients),
			strconv.FormatInt(bucket.SampleCount, 10),
		})
	}
	table.Render()
	return nil
}

func printWeekdays(ctx context.Context, engine *analytics.Engine, days int) error {
	buckets, err := engine.WeekdayActivity(ctx, days)
	if err != nil {
		return err
	}
	table := newTable([]string{"Weekday", "Avg Users", "Snapshots"})
	for _, bucket := range buckets {
		table.Append([]string{
			bucket.Weekday.String(),
			fmt.Sprintf("%.2f", bucket.AvgClients),
			strconv.FormatInt(bucket.SampleCount, 10),
		})
	}
	table.Render()
	return nil
}

func printPeaks(ctx context.Context, engine *analytics.Engine, days, limit int) error {
	peaks, err := engine.PeakTimes(ctx, days, limit)
	if err != nil {
		return err
	}
	table := newTable([]string{"Time", "Users"})
	for _, peak := range peaks {
		table.Append([]string{
			formatTS(peak.Timestamp),
			strconv.FormatInt(peak.TotalClients, 10),
		})
	}
	table.Render()
	return nil
}

func printAway(ctx context.Context, engine *analytics.Engine, days, limit int) error {
	report, err := engine.AwayStats(ctx, days, limit)
	if err != nil {
		return err
	}
	table := newTable([]string{"Nickname", "Away %", "Samples", "Last Message"})
	for _, u := range report.TopAwayUsers {
		table.Append([]string{
			u.Nickname,
			fmt.Sprintf("%.2f", u.AwayPercent),
			strconv.FormatInt(u.TotalSamples, 10),
			u.LastAwayMessage,
		})
	}
	table.Render()
	fmt.Printf("%.2f%% of %d samples marked away\n", report.AwayPercent, report.TotalSamples)
	return nil
}

func printMute(ctx context.Context, engine *analytics.Engine, days int) error {
	report, err := engine.MuteStats(ctx, days)
	if err != nil {
		return err
	}
	table := newTable([]string{"Metric", "Value"})
	table.Append([]string{"Samples", strconv.FormatInt(report.TotalSamples, 10)})
	table.Append([]string{"Mic muted %", fmt.Sprintf("%.2f", report.MicMutedPercent)})
	table.Append([]string{"Speaker muted %", fmt.Sprintf("%.2f", report.SpeakerMutedPercent)})
	table.Append([]string{"Recording %", fmt.Sprintf("%.2f", report.RecordingPercent)})
	table.Append([]string{"Talking %", fmt.Sprintf("%.2f", report.TalkingPercent)})
	table.Render()

	if len(report.TopRecorders) > 0 {
		recorders := newTable([]string{"Nickname", "Recording Samples", "Recording %"})
		for _, r := range report.TopRecorders {
			recorders.Append([]string{
				r.Nickname,
				strconv.FormatInt(r.RecordingCount, 10),
				fmt.Sprintf("%.2f", r.RecordingPercent),
			})
		}
		recorders.Render()
	}
	return nil
}

func printGroups(ctx context.Context, engine *analytics.Engine, days int) error {
	groups, err := engine.ServerGroupStats(ctx, days)
	if err != nil {
		return err
	}
	table := newTable([]string{"Group", "Unique Members", "Samples"})
	for _, g := range groups {
		table.Append([]string{
			g.GroupID,
			strconv.FormatInt(g.UniqueMembers, 10),
			strconv.FormatInt(g.TotalSamples, 10),
		})
	}
	table.Render()
	return nil
}

func printUser(ctx context.Context, engine *analytics.Engine, uid string, days int) error {
	report, err := engine.UserStats(ctx, uid, days)
	if err != nil {
		return err
	}
	if report == nil {
		fmt.Printf("no samples for %s in the last %d days\n", uid, days)
		return nil
	}

	table := newTable([]string{"Metric", "Value"})
	table.Append([]string{"Nickname", report.Nickname})
	table.Append([]string{"Samples", strconv.FormatInt(report.SampleCount, 10)})
	table.Append([]string{"Online (h)", fmt.Sprintf("%.2f", report.OnlineHours)})
	table.Append([]string{"Avg idle (min)", fmt.Sprintf("%.2f", float64(report.AvgIdleMS)/60000)})
	table.Append([]string{"First seen", formatTS(report.FirstSeen)})
	table.Append([]string{"Last seen", formatTS(report.LastSeen)})
	table.Render()

	if len(report.FavoriteChannels) > 0 {
		channels := newTable([]string{"Channel", "Visits"})
		for _, fav := range report.FavoriteChannels {
			channels.Append([]string{
				strconv.FormatInt(fav.ChannelID, 10),
				strconv.FormatInt(fav.Visits, 10),
			})
		}
		channels.Render()
	}
	return nil
}
