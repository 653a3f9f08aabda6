// Package main provides the control CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"connectrpc.com/connect"
	"github.com/alecthomas/kingpin/v2"
	"github.com/cockroachdb/errors"
	"github.com/disgoorg/snowflake/v2"
	"github.com/joho/godotenv"

	apiconnect "github.com/osa030/voxlink/internal/api/connect"
	"github.com/osa030/voxlink/internal/app/notification"
)

var (
	app    = kingpin.New("voxlink-ctl", "voxlink control client")
	server = app.Flag("server", "Server address").Default("http://localhost:8080").Envar("VOXLINK_SERVER").String()
	token  = app.Flag("token", "Control token (or set CONTROL_TOKEN env)").Envar("CONTROL_TOKEN").String()

	// sessions
	sessionCmd       = app.Command("session", "Manage guild sessions")
	sessionListCmd   = sessionCmd.Command("list", "List sessions").Default()
	sessionCreateCmd = sessionCmd.Command("create", "Create a session")
	createGuild      = sessionCreateCmd.Arg("guild", "Guild ID").Required().Uint64()
	createChannel    = sessionCreateCmd.Flag("channel", "Voice channel ID to join").Uint64()
	createRegion     = sessionCreateCmd.Flag("region", "Node region hint").String()
	createNode       = sessionCreateCmd.Flag("node", "Pin the session to a node").String()
	createSelfDeaf   = sessionCreateCmd.Flag("self-deaf", "Join deafened").Bool()
	sessionGetCmd    = sessionCmd.Command("get", "Show a session")
	getGuild         = sessionGetCmd.Arg("guild", "Guild ID").Required().Uint64()
	sessionDelCmd    = sessionCmd.Command("destroy", "Destroy a session")
	delGuild         = sessionDelCmd.Arg("guild", "Guild ID").Required().Uint64()
	sessionMoveCmd   = sessionCmd.Command("move", "Move a session to another node")
	moveGuild        = sessionMoveCmd.Arg("guild", "Guild ID").Required().Uint64()
	moveNode         = sessionMoveCmd.Arg("node", "Target node").Required().String()

	// playback
	playCmd        = app.Command("play", "Play a track right away")
	playGuild      = playCmd.Arg("guild", "Guild ID").Required().Uint64()
	playIdentifier = playCmd.Arg("identifier", "URL or search query, e.g. ytsearch:artist title").String()
	playEncoded    = playCmd.Flag("encoded", "Encoded track instead of an identifier").String()
	playRequester  = playCmd.Flag("requester", "Requester name").String()
	playStart      = playCmd.Flag("start", "Start position").Duration()
	playEnd        = playCmd.Flag("end", "End position").Duration()
	playNoReplace  = playCmd.Flag("no-replace", "Do nothing if a track is playing").Bool()

	pauseCmd     = app.Command("pause", "Pause playback")
	pauseGuild   = pauseCmd.Arg("guild", "Guild ID").Required().Uint64()
	resumeCmd    = app.Command("resume", "Resume playback")
	resumeGuild  = resumeCmd.Arg("guild", "Guild ID").Required().Uint64()
	stopCmd      = app.Command("stop", "Stop the current track")
	stopGuild    = stopCmd.Arg("guild", "Guild ID").Required().Uint64()
	skipCmd      = app.Command("skip", "Skip the current track")
	skipGuild    = skipCmd.Arg("guild", "Guild ID").Required().Uint64()
	previousCmd  = app.Command("previous", "Play the previous track")
	prevGuild    = previousCmd.Arg("guild", "Guild ID").Required().Uint64()
	seekCmd      = app.Command("seek", "Seek the current track")
	seekGuild    = seekCmd.Arg("guild", "Guild ID").Required().Uint64()
	seekPosition = seekCmd.Arg("position", "Position, e.g. 1m30s").Required().Duration()
	volumeCmd    = app.Command("volume", "Set the volume")
	volumeGuild  = volumeCmd.Arg("guild", "Guild ID").Required().Uint64()
	volumeLevel  = volumeCmd.Arg("level", "Volume 0..100").Required().Int()
	loopCmd      = app.Command("loop", "Set the loop mode")
	loopGuild    = loopCmd.Arg("guild", "Guild ID").Required().Uint64()
	loopMode     = loopCmd.Arg("mode", "off, track or queue").Required().Enum("off", "track", "queue")
	autoplayCmd  = app.Command("autoplay", "Toggle autoplay")
	autoGuild    = autoplayCmd.Arg("guild", "Guild ID").Required().Uint64()
	autoState    = autoplayCmd.Arg("state", "on or off").Required().Enum("on", "off")
	filtersCmd   = app.Command("filters", "Replace the audio filters")
	filtersGuild = filtersCmd.Arg("guild", "Guild ID").Required().Uint64()
	filtersJSON  = filtersCmd.Arg("json", "Filter object, e.g. {\"timescale\":{\"speed\":1.2}}").Default("{}").String()

	// queue
	enqueueCmd        = app.Command("enqueue", "Add tracks to the queue").Alias("add")
	enqueueGuild      = enqueueCmd.Arg("guild", "Guild ID").Required().Uint64()
	enqueueIdentifier = enqueueCmd.Arg("identifier", "URL or search query").Required().String()
	enqueueRequester  = enqueueCmd.Flag("requester", "Requester name").String()
	enqueuePlay       = enqueueCmd.Flag("play", "Start playing if idle").Bool()
	queueCmd          = app.Command("queue", "Show the queue")
	queueGuild        = queueCmd.Arg("guild", "Guild ID").Required().Uint64()
	removeCmd         = app.Command("remove", "Remove a queue entry")
	removeGuild       = removeCmd.Arg("guild", "Guild ID").Required().Uint64()
	removeIndex       = removeCmd.Arg("index", "Queue index").Required().Int()
	moveTrackCmd      = app.Command("move-track", "Move a queue entry")
	moveTrackGuild    = moveTrackCmd.Arg("guild", "Guild ID").Required().Uint64()
	moveTrackFrom     = moveTrackCmd.Arg("from", "Current index").Required().Int()
	moveTrackTo       = moveTrackCmd.Arg("to", "New index").Required().Int()
	shuffleCmd        = app.Command("shuffle", "Shuffle the queue")
	shuffleGuild      = shuffleCmd.Arg("guild", "Guild ID").Required().Uint64()
	clearCmd          = app.Command("clear", "Clear the queue")
	clearGuild        = clearCmd.Arg("guild", "Guild ID").Required().Uint64()
	saveCmd           = app.Command("save", "Print the queue as a restorable blob")
	saveGuild         = saveCmd.Arg("guild", "Guild ID").Required().Uint64()
	restoreCmd        = app.Command("restore", "Restore a saved queue")
	restoreGuild      = restoreCmd.Arg("guild", "Guild ID").Required().Uint64()
	restoreBlob       = restoreCmd.Arg("blob", "Saved queue").Required().String()

	// search
	loadCmd        = app.Command("load", "Load or search tracks")
	loadIdentifier = loadCmd.Arg("identifier", "URL or search query").Required().String()
	loadNode       = loadCmd.Flag("node", "Node to ask").String()
	loadRegion     = loadCmd.Flag("region", "Region hint").String()

	// nodes
	nodeCmd       = app.Command("node", "Manage audio nodes")
	nodeListCmd   = nodeCmd.Command("list", "List nodes").Default()
	nodeAddCmd    = nodeCmd.Command("add", "Register a node")
	addName       = nodeAddCmd.Arg("name", "Node name").Required().String()
	addHost       = nodeAddCmd.Arg("host", "Host").Required().String()
	addPort       = nodeAddCmd.Flag("port", "Port").Default("2333").Int()
	addPassword   = nodeAddCmd.Flag("password", "Password").Envar("NODE_PASSWORD").String()
	addSecure     = nodeAddCmd.Flag("secure", "Use TLS").Bool()
	addRegion     = nodeAddCmd.Flag("region", "Region").String()
	nodeRemoveCmd = nodeCmd.Command("remove", "Remove a node, moving its sessions")
	removeName    = nodeRemoveCmd.Arg("name", "Node name").Required().String()
	nodeSelectCmd = nodeCmd.Command("select", "Show the node a new session would use")
	selectRegion  = nodeSelectCmd.Flag("region", "Region hint").String()
	nodeHealthCmd = nodeCmd.Command("health", "Probe every node")

	statsCmd = app.Command("stats", "Show aggregate statistics")

	watchCmd   = app.Command("watch", "Stream notifications")
	watchGuild = watchCmd.Flag("guild", "Only this guild").Uint64()
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if *token == "" {
		fmt.Println("Error: control token is required (use --token or CONTROL_TOKEN env)")
		os.Exit(1)
	}

	client := apiconnect.NewClient(http.DefaultClient, *server, *token)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := execute(ctx, client, command); err != nil {
		fail(err)
	}
}

func execute(ctx context.Context, c *apiconnect.Client, command string) error {
	switch command {
	case sessionListCmd.FullCommand():
		res, err := apiconnect.Call[apiconnect.Empty, apiconnect.ListSessionsResponse](ctx, c, apiconnect.ProcedureListSessions, &apiconnect.Empty{})
		if err != nil {
			return err
		}
		printSessions(res.Sessions)
	case sessionCreateCmd.FullCommand():
		res, err := apiconnect.Call[apiconnect.CreateSessionRequest, apiconnect.SessionResponse](ctx, c, apiconnect.ProcedureCreateSession, &apiconnect.CreateSessionRequest{
			GuildID:   guild(*createGuild),
			ChannelID: snowflake.ID(*createChannel),
			Region:    *createRegion,
			Node:      *createNode,
			SelfDeaf:  *createSelfDeaf,
		})
		if err != nil {
			return err
		}
		printSession(res.Session)
	case sessionGetCmd.FullCommand():
		res, err := apiconnect.Call[apiconnect.GuildRequest, apiconnect.SessionResponse](ctx, c, apiconnect.ProcedureGetSession, guildRequest(*getGuild))
		if err != nil {
			return err
		}
		printSession(res.Session)
	case sessionDelCmd.FullCommand():
		return done(apiconnect.Call[apiconnect.GuildRequest, apiconnect.Empty](ctx, c, apiconnect.ProcedureDestroySession, guildRequest(*delGuild)))
	case sessionMoveCmd.FullCommand():
		res, err := apiconnect.Call[apiconnect.MoveSessionRequest, apiconnect.SessionResponse](ctx, c, apiconnect.ProcedureMoveSession, &apiconnect.MoveSessionRequest{
			GuildID: guild(*moveGuild),
			Node:    *moveNode,
		})
		if err != nil {
			return err
		}
		printSession(res.Session)

	case playCmd.FullCommand():
		res, err := apiconnect.Call[apiconnect.PlayRequest, apiconnect.TrackResponse](ctx, c, apiconnect.ProcedurePlay, &apiconnect.PlayRequest{
			GuildID:    guild(*playGuild),
			Identifier: *playIdentifier,
			Encoded:    *playEncoded,
			Requester:  *playRequester,
			StartMs:    playStart.Milliseconds(),
			EndMs:      playEnd.Milliseconds(),
			NoReplace:  *playNoReplace,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Playing: %s\n", formatTrack(res.Track))
	case pauseCmd.FullCommand():
		return done(apiconnect.Call[apiconnect.PauseRequest, apiconnect.Empty](ctx, c, apiconnect.ProcedurePause, &apiconnect.PauseRequest{GuildID: guild(*pauseGuild), Paused: true}))
	case resumeCmd.FullCommand():
		return done(apiconnect.Call[apiconnect.PauseRequest, apiconnect.Empty](ctx, c, apiconnect.ProcedurePause, &apiconnect.PauseRequest{GuildID: guild(*resumeGuild)}))
	case stopCmd.FullCommand():
		return done(apiconnect.Call[apiconnect.GuildRequest, apiconnect.Empty](ctx, c, apiconnect.ProcedureStop, guildRequest(*stopGuild)))
	case skipCmd.FullCommand():
		return done(apiconnect.Call[apiconnect.GuildRequest, apiconnect.Empty](ctx, c, apiconnect.ProcedureSkip, guildRequest(*skipGuild)))
	case previousCmd.FullCommand():
		res, err := apiconnect.Call[apiconnect.GuildRequest, apiconnect.PreviousResponse](ctx, c, apiconnect.ProcedurePrevious, guildRequest(*prevGuild))
		if err != nil {
			return err
		}
		if !res.Played {
			fmt.Println("No previous track")
			return nil
		}
		fmt.Println("OK")
	case seekCmd.FullCommand():
		return done(apiconnect.Call[apiconnect.SeekRequest, apiconnect.Empty](ctx, c, apiconnect.ProcedureSeek, &apiconnect.SeekRequest{
			GuildID:    guild(*seekGuild),
			PositionMs: seekPosition.Milliseconds(),
		}))
	case volumeCmd.FullCommand():
		return done(apiconnect.Call[apiconnect.VolumeRequest, apiconnect.Empty](ctx, c, apiconnect.ProcedureSetVolume, &apiconnect.VolumeRequest{
			GuildID: guild(*volumeGuild),
			Volume:  *volumeLevel,
		}))
	case loopCmd.FullCommand():
		return done(apiconnect.Call[apiconnect.LoopRequest, apiconnect.Empty](ctx, c, apiconnect.ProcedureSetLoop, &apiconnect.LoopRequest{
			GuildID: guild(*loopGuild),
			Mode:    *loopMode,
		}))
	case autoplayCmd.FullCommand():
		return done(apiconnect.Call[apiconnect.AutoplayRequest, apiconnect.Empty](ctx, c, apiconnect.ProcedureSetAutoplay, &apiconnect.AutoplayRequest{
			GuildID: guild(*autoGuild),
			Enabled: *autoState == "on",
		}))
	case filtersCmd.FullCommand():
		if !json.Valid([]byte(*filtersJSON)) {
			return errors.New("filters must be a JSON object")
		}
		return done(apiconnect.Call[apiconnect.FiltersRequest, apiconnect.Empty](ctx, c, apiconnect.ProcedureSetFilters, &apiconnect.FiltersRequest{
			GuildID: guild(*filtersGuild),
			Filters: json.RawMessage(*filtersJSON),
		}))

	case enqueueCmd.FullCommand():
		res, err := apiconnect.Call[apiconnect.EnqueueRequest, apiconnect.EnqueueResponse](ctx, c, apiconnect.ProcedureEnqueue, &apiconnect.EnqueueRequest{
			GuildID:    guild(*enqueueGuild),
			Identifier: *enqueueIdentifier,
			Requester:  *enqueueRequester,
			PlayIfIdle: *enqueuePlay,
		})
		if err != nil {
			return err
		}
		printEnqueue(res)
	case queueCmd.FullCommand():
		res, err := apiconnect.Call[apiconnect.GuildRequest, apiconnect.QueueResponse](ctx, c, apiconnect.ProcedureGetQueue, guildRequest(*queueGuild))
		if err != nil {
			return err
		}
		printQueue(res)
	case removeCmd.FullCommand():
		res, err := apiconnect.Call[apiconnect.RemoveTrackRequest, apiconnect.TrackResponse](ctx, c, apiconnect.ProcedureRemoveTrack, &apiconnect.RemoveTrackRequest{
			GuildID: guild(*removeGuild),
			Index:   *removeIndex,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Removed: %s\n", formatTrack(res.Track))
	case moveTrackCmd.FullCommand():
		return done(apiconnect.Call[apiconnect.MoveTrackRequest, apiconnect.Empty](ctx, c, apiconnect.ProcedureMoveTrack, &apiconnect.MoveTrackRequest{
			GuildID: guild(*moveTrackGuild),
			From:    *moveTrackFrom,
			To:      *moveTrackTo,
		}))
	case shuffleCmd.FullCommand():
		return done(apiconnect.Call[apiconnect.GuildRequest, apiconnect.Empty](ctx, c, apiconnect.ProcedureShuffle, guildRequest(*shuffleGuild)))
	case clearCmd.FullCommand():
		res, err := apiconnect.Call[apiconnect.GuildRequest, apiconnect.CountResponse](ctx, c, apiconnect.ProcedureClearQueue, guildRequest(*clearGuild))
		if err != nil {
			return err
		}
		fmt.Printf("Cleared %d tracks\n", res.Count)
	case saveCmd.FullCommand():
		res, err := apiconnect.Call[apiconnect.GuildRequest, apiconnect.SaveQueueResponse](ctx, c, apiconnect.ProcedureSaveQueue, guildRequest(*saveGuild))
		if err != nil {
			return err
		}
		fmt.Println(res.Blob)
	case restoreCmd.FullCommand():
		return done(apiconnect.Call[apiconnect.RestoreQueueRequest, apiconnect.Empty](ctx, c, apiconnect.ProcedureRestoreQueue, &apiconnect.RestoreQueueRequest{
			GuildID: guild(*restoreGuild),
			Blob:    *restoreBlob,
		}))

	case loadCmd.FullCommand():
		res, err := apiconnect.Call[apiconnect.LoadTracksRequest, apiconnect.LoadTracksResponse](ctx, c, apiconnect.ProcedureLoadTracks, &apiconnect.LoadTracksRequest{
			Identifier: *loadIdentifier,
			Node:       *loadNode,
			Region:     *loadRegion,
		})
		if err != nil {
			return err
		}
		printLoad(res)

	case nodeListCmd.FullCommand():
		res, err := apiconnect.Call[apiconnect.Empty, apiconnect.ListNodesResponse](ctx, c, apiconnect.ProcedureListNodes, &apiconnect.Empty{})
		if err != nil {
			return err
		}
		printNodes(res.Nodes)
	case nodeAddCmd.FullCommand():
		res, err := apiconnect.Call[apiconnect.AddNodeRequest, apiconnect.NodeResponse](ctx, c, apiconnect.ProcedureAddNode, &apiconnect.AddNodeRequest{
			Name:     *addName,
			Host:     *addHost,
			Port:     *addPort,
			Password: *addPassword,
			Secure:   *addSecure,
			Region:   *addRegion,
		})
		if err != nil {
			return err
		}
		printNodes([]apiconnect.NodeInfo{res.Node})
	case nodeRemoveCmd.FullCommand():
		res, err := apiconnect.Call[apiconnect.NodeRequest, apiconnect.RemoveNodeResponse](ctx, c, apiconnect.ProcedureRemoveNode, &apiconnect.NodeRequest{Name: *removeName})
		if err != nil {
			return err
		}
		fmt.Printf("Removed %s, moved %d sessions\n", *removeName, res.Moved)
	case nodeSelectCmd.FullCommand():
		res, err := apiconnect.Call[apiconnect.SelectNodeRequest, apiconnect.NodeResponse](ctx, c, apiconnect.ProcedureSelectNode, &apiconnect.SelectNodeRequest{Region: *selectRegion})
		if err != nil {
			return err
		}
		printNodes([]apiconnect.NodeInfo{res.Node})
	case nodeHealthCmd.FullCommand():
		res, err := apiconnect.Call[apiconnect.Empty, apiconnect.HealthCheckResponse](ctx, c, apiconnect.ProcedureHealthCheck, &apiconnect.Empty{})
		if err != nil {
			return err
		}
		printHealth(res.Nodes)

	case statsCmd.FullCommand():
		res, err := apiconnect.Call[apiconnect.Empty, apiconnect.StatsResponse](ctx, c, apiconnect.ProcedureStats, &apiconnect.Empty{})
		if err != nil {
			return err
		}
		printStats(res)

	case watchCmd.FullCommand():
		fmt.Println("Watching notifications (Ctrl+C to stop)...")
		return c.Subscribe(ctx, &apiconnect.SubscribeRequest{GuildID: guild(*watchGuild)}, func(n *notification.Notification) error {
			printNotification(n)
			return nil
		})
	}
	return nil
}

func guild(id uint64) snowflake.ID {
	return snowflake.ID(id)
}

func guildRequest(id uint64) *apiconnect.GuildRequest {
	return &apiconnect.GuildRequest{GuildID: guild(id)}
}

func done(_ *apiconnect.Empty, err error) error {
	if err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}

func fail(err error) {
	var ce *connect.Error
	if errors.As(err, &ce) {
		errorColor.Printf("Error [%s]: %s\n", ce.Code(), ce.Message())
	} else {
		errorColor.Printf("Error: %v\n", err)
	}
	os.Exit(1)
}
