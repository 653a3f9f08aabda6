package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	apiconnect "github.com/osa030/voxlink/internal/api/connect"
	"github.com/osa030/voxlink/internal/app/notification"
	"github.com/osa030/voxlink/internal/domain/track"
)

var (
	headerColor = color.New(color.FgHiCyan, color.Bold)
	dimColor    = color.New(color.FgHiBlack)
	okColor     = color.New(color.FgHiGreen)
	warnColor   = color.New(color.FgHiYellow)
	errorColor  = color.New(color.FgHiRed)
	trackColor  = color.New(color.FgHiMagenta)
)

func formatTrack(t *track.Track) string {
	if t == nil {
		return "-"
	}
	length := "live"
	if !t.Info.IsStream {
		length = t.Duration().Truncate(time.Second).String()
	}
	return fmt.Sprintf("%s - %s [%s]", t.Info.Author, t.Info.Title, length)
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func printSession(s apiconnect.SessionInfo) {
	headerColor.Printf("Guild %s\n", s.GuildID)
	fmt.Printf("  Node:      %s\n", s.Node)
	if s.ChannelID != 0 {
		fmt.Printf("  Channel:   %s\n", s.ChannelID)
	}
	fmt.Printf("  Voice:     %s\n", stateWord(s.VoiceConnected, "connected", "waiting"))
	fmt.Printf("  Playing:   %s\n", trackColor.Sprint(formatTrack(s.Current)))
	fmt.Printf("  Position:  %s\n", (time.Duration(s.PositionMs) * time.Millisecond).Truncate(time.Second))
	fmt.Printf("  Paused:    %v\n", s.Paused)
	fmt.Printf("  Volume:    %d\n", s.Volume)
	fmt.Printf("  Loop:      %s\n", s.Loop)
	fmt.Printf("  Autoplay:  %v\n", s.Autoplay)
	fmt.Printf("  Queue:     %d tracks\n", s.QueueLength)
	dimColor.Printf("  Created %s, ping %dms\n", s.CreatedAt.Local().Format(time.DateTime), s.PingMs)
}

func printSessions(sessions []apiconnect.SessionInfo) {
	if len(sessions) == 0 {
		fmt.Println("No sessions")
		return
	}
	w := newTable()
	fmt.Fprintln(w, "GUILD\tNODE\tVOICE\tQUEUE\tPLAYING")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.GuildID, s.Node, stateWord(s.VoiceConnected, "yes", "no"), s.QueueLength, formatTrack(s.Current))
	}
	_ = w.Flush()
}

func printEnqueue(res *apiconnect.EnqueueResponse) {
	if res.Playlist != "" {
		headerColor.Printf("Playlist: %s\n", res.Playlist)
	}
	for _, t := range res.Added {
		okColor.Printf("+ %s\n", formatTrack(&t))
	}
	for _, r := range res.Rejected {
		warnColor.Printf("- %s (%s)\n", formatTrack(&r.Track), r.Code)
	}
	fmt.Printf("Queue length: %d", res.QueueLength)
	if res.Started {
		fmt.Print(", playback started")
	}
	fmt.Println()
}

func printQueue(res *apiconnect.QueueResponse) {
	fmt.Printf("Now playing: %s\n", trackColor.Sprint(formatTrack(res.Current)))
	if len(res.Queue) == 0 {
		dimColor.Println("Queue is empty")
		return
	}
	for i, t := range res.Queue {
		fmt.Printf("%3d. %s\n", i, formatTrack(&t))
	}
}

func printLoad(res *apiconnect.LoadTracksResponse) {
	headerColor.Printf("%s result from %s\n", res.LoadType, res.Node)
	if res.Exception != nil {
		errorColor.Printf("%s (%s)\n", res.Exception.Message, res.Exception.Severity)
		return
	}
	if res.Playlist != nil {
		fmt.Printf("Playlist: %s\n", res.Playlist.Name)
	}
	for i, t := range res.Tracks {
		fmt.Printf("%3d. %s\n", i, formatTrack(&t))
		dimColor.Printf("     %s\n", t.Encoded)
	}
}

func printNodes(nodes []apiconnect.NodeInfo) {
	w := newTable()
	fmt.Fprintln(w, "NAME\tREGION\tSTATE\tPENALTY\tPLAYERS\tSESSIONS")
	for _, n := range nodes {
		penalty := "-"
		if n.Penalty >= 0 {
			penalty = fmt.Sprintf("%.1f", n.Penalty)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d\n", n.Name, n.Region, n.State, penalty, n.PlayingPlayers, n.Players, n.Sessions)
	}
	_ = w.Flush()
}

func printHealth(nodes []apiconnect.NodeHealth) {
	for _, n := range nodes {
		if n.Healthy {
			okColor.Printf("✓ %s", n.Name)
		} else {
			errorColor.Printf("✗ %s", n.Name)
		}
		fmt.Printf(" (%s)", n.State)
		if n.Stats != nil {
			fmt.Printf(" players=%d/%d cpu=%.2f", n.Stats.PlayingPlayers, n.Stats.Players, n.Stats.CPU.LavalinkLoad)
		}
		if n.Error != "" {
			dimColor.Printf(" %s", n.Error)
		}
		fmt.Println()
	}
}

func printStats(s *apiconnect.StatsResponse) {
	fmt.Printf("Nodes:       %d (%d connected)\n", s.Nodes, s.Connected)
	fmt.Printf("Players:     %d (%d playing)\n", s.Players, s.PlayingPlayers)
	fmt.Printf("Sessions:    %d\n", s.Sessions)
	fmt.Printf("Subscribers: %d\n", s.Subscribers)
}

func printNotification(n *notification.Notification) {
	ts := dimColor.Sprint(n.Time.Local().Format(time.TimeOnly))
	label := n.Type
	switch n.Type {
	case notification.TypeSubscribed:
		label = okColor.Sprint(label)
	case notification.TypeNodeState:
		label = warnColor.Sprint(label)
	default:
		label = headerColor.Sprint(label)
	}

	fmt.Printf("%s #%d %s", ts, n.SequenceNo, label)
	if n.GuildID != 0 {
		fmt.Printf(" guild=%s", n.GuildID)
	}
	if n.Node != "" {
		fmt.Printf(" node=%s", n.Node)
	}
	if n.Track != nil {
		fmt.Printf(" %s", trackColor.Sprint(formatTrack(n.Track)))
	}
	if n.Reason != "" {
		fmt.Printf(" reason=%s", n.Reason)
	}
	if n.Message != "" {
		fmt.Printf(" %s", n.Message)
	}
	fmt.Println()
}

func stateWord(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
