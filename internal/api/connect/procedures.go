package connect

import (
	"context"
	"net/http"

	"connectrpc.com/connect"
)

// ServiceName is the fully qualified name of the control service.
const ServiceName = "voxlink.control.v1.ControlService"

// Procedure paths.
const (
	ProcedureCreateSession  = "/" + ServiceName + "/CreateSession"
	ProcedureGetSession     = "/" + ServiceName + "/GetSession"
	ProcedureDestroySession = "/" + ServiceName + "/DestroySession"
	ProcedureListSessions   = "/" + ServiceName + "/ListSessions"
	ProcedureMoveSession    = "/" + ServiceName + "/MoveSession"

	ProcedurePlay        = "/" + ServiceName + "/Play"
	ProcedurePause       = "/" + ServiceName + "/Pause"
	ProcedureStop        = "/" + ServiceName + "/Stop"
	ProcedureSkip        = "/" + ServiceName + "/Skip"
	ProcedurePrevious    = "/" + ServiceName + "/Previous"
	ProcedureSeek        = "/" + ServiceName + "/Seek"
	ProcedureSetVolume   = "/" + ServiceName + "/SetVolume"
	ProcedureSetLoop     = "/" + ServiceName + "/SetLoop"
	ProcedureSetAutoplay = "/" + ServiceName + "/SetAutoplay"
	ProcedureSetFilters  = "/" + ServiceName + "/SetFilters"

	ProcedureEnqueue      = "/" + ServiceName + "/Enqueue"
	ProcedureRemoveTrack  = "/" + ServiceName + "/RemoveTrack"
	ProcedureMoveTrack    = "/" + ServiceName + "/MoveTrack"
	ProcedureShuffle      = "/" + ServiceName + "/Shuffle"
	ProcedureClearQueue   = "/" + ServiceName + "/ClearQueue"
	ProcedureGetQueue     = "/" + ServiceName + "/GetQueue"
	ProcedureSaveQueue    = "/" + ServiceName + "/SaveQueue"
	ProcedureRestoreQueue = "/" + ServiceName + "/RestoreQueue"

	ProcedureLoadTracks        = "/" + ServiceName + "/LoadTracks"
	ProcedureVoiceServerUpdate = "/" + ServiceName + "/VoiceServerUpdate"
	ProcedureVoiceStateUpdate  = "/" + ServiceName + "/VoiceStateUpdate"

	ProcedureAddNode     = "/" + ServiceName + "/AddNode"
	ProcedureRemoveNode  = "/" + ServiceName + "/RemoveNode"
	ProcedureListNodes   = "/" + ServiceName + "/ListNodes"
	ProcedureSelectNode  = "/" + ServiceName + "/SelectNode"
	ProcedureHealthCheck = "/" + ServiceName + "/HealthCheck"
	ProcedureStats       = "/" + ServiceName + "/Stats"

	ProcedureSubscribe = "/" + ServiceName + "/Subscribe"
)

// Handler returns the service path and a handler serving every procedure.
func (s *ControlService) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)
	mux := http.NewServeMux()
	handle := func(procedure string, h http.Handler) { mux.Handle(procedure, h) }

	handle(unary(ProcedureCreateSession, s.CreateSession, opts))
	handle(unary(ProcedureGetSession, s.GetSession, opts))
	handle(unary(ProcedureDestroySession, s.DestroySession, opts))
	handle(unary(ProcedureListSessions, s.ListSessions, opts))
	handle(unary(ProcedureMoveSession, s.MoveSession, opts))

	handle(unary(ProcedurePlay, s.Play, opts))
	handle(unary(ProcedurePause, s.Pause, opts))
	handle(unary(ProcedureStop, s.Stop, opts))
	handle(unary(ProcedureSkip, s.Skip, opts))
	handle(unary(ProcedurePrevious, s.Previous, opts))
	handle(unary(ProcedureSeek, s.Seek, opts))
	handle(unary(ProcedureSetVolume, s.SetVolume, opts))
	handle(unary(ProcedureSetLoop, s.SetLoop, opts))
	handle(unary(ProcedureSetAutoplay, s.SetAutoplay, opts))
	handle(unary(ProcedureSetFilters, s.SetFilters, opts))

	handle(unary(ProcedureEnqueue, s.Enqueue, opts))
	handle(unary(ProcedureRemoveTrack, s.RemoveTrack, opts))
	handle(unary(ProcedureMoveTrack, s.MoveTrack, opts))
	handle(unary(ProcedureShuffle, s.Shuffle, opts))
	handle(unary(ProcedureClearQueue, s.ClearQueue, opts))
	handle(unary(ProcedureGetQueue, s.GetQueue, opts))
	handle(unary(ProcedureSaveQueue, s.SaveQueue, opts))
	handle(unary(ProcedureRestoreQueue, s.RestoreQueue, opts))

	handle(unary(ProcedureLoadTracks, s.LoadTracks, opts))
	handle(unary(ProcedureVoiceServerUpdate, s.VoiceServerUpdate, opts))
	handle(unary(ProcedureVoiceStateUpdate, s.VoiceStateUpdate, opts))

	handle(unary(ProcedureAddNode, s.AddNode, opts))
	handle(unary(ProcedureRemoveNode, s.RemoveNode, opts))
	handle(unary(ProcedureListNodes, s.ListNodes, opts))
	handle(unary(ProcedureSelectNode, s.SelectNode, opts))
	handle(unary(ProcedureHealthCheck, s.HealthCheck, opts))
	handle(unary(ProcedureStats, s.Stats, opts))

	handle(ProcedureSubscribe, connect.NewServerStreamHandler(ProcedureSubscribe, s.subscribe, opts...))

	return "/" + ServiceName + "/", mux
}

func unary[Req, Res any](procedure string, fn func(context.Context, *Req) (*Res, error), opts []connect.HandlerOption) (string, http.Handler) {
	return procedure, connect.NewUnaryHandler(procedure, func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error) {
		res, err := fn(ctx, req.Msg)
		if err != nil {
			return nil, toConnectError(err)
		}
		return connect.NewResponse(res), nil
	}, opts...)
}
