package transport

import (
	"context"
	"sync"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/serenvia/voicebridge/protocol"
	"github.com/serenvia/voicebridge/tracks"
)

// LiveKitDialer 用 LiveKit 服务端 SDK 建立房间连接。
type LiveKitDialer struct {
	logger *zap.Logger
}

// NewLiveKitDialer 创建 LiveKit 拨号器。
func NewLiveKitDialer(logger *zap.Logger) *LiveKitDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveKitDialer{logger: logger.With(zap.String("component", "transport.livekit"))}
}

// Dial 以单次有效令牌连接房间，自动订阅全部轨道。
func (d *LiveKitDialer) Dial(ctx context.Context, url, token string, h *Handlers) (Room, error) {
	room, err := lksdk.ConnectToRoomWithToken(url, token,
		buildRoomCallback(h),
		lksdk.WithAutoSubscribe(true),
	)
	if err != nil {
		return nil, err
	}
	return &liveKitRoom{room: room, logger: d.logger}, nil
}

// buildRoomCallback 把 SDK 回调映射到 Handlers。
func buildRoomCallback(h *Handlers) *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if h.OnTrackSubscribed == nil {
					return
				}
				h.OnTrackSubscribed(
					tracks.TrackInfo{
						TrackID: pub.SID(),
						Kind:    trackKind(track),
						Source:  pub.Source().String(),
					},
					remoteParticipantInfo(rp),
				)
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if h.OnTrackUnsubscribed != nil {
					h.OnTrackUnsubscribed(pub.SID(), rp.Identity())
				}
			},
			OnMetadataChanged: func(oldMetadata string, p lksdk.Participant) {
				if h.OnMetadataChanged != nil {
					h.OnMetadataChanged(tracks.ParticipantInfo{
						Identity: p.Identity(),
						Metadata: p.Metadata(),
					})
				}
			},
			OnDataPacket: func(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
				if h.OnData == nil {
					return
				}
				proto := data.ToProto()
				payload := proto.GetUser().GetPayload()
				if len(payload) == 0 {
					return
				}
				delivery := protocol.DeliveryLossy
				if proto.GetKind() == livekit.DataPacket_RELIABLE {
					delivery = protocol.DeliveryReliable
				}
				h.OnData(payload, params.SenderIdentity, delivery)
			},
		},
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			if h.OnParticipantConnected != nil {
				h.OnParticipantConnected(remoteParticipantInfo(rp))
			}
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			if h.OnParticipantDisconnected != nil {
				h.OnParticipantDisconnected(rp.Identity())
			}
		},
	}
}

func trackKind(track *webrtc.TrackRemote) tracks.Kind {
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		return tracks.KindAudio
	}
	return tracks.KindVideo
}

func remoteParticipantInfo(rp *lksdk.RemoteParticipant) tracks.ParticipantInfo {
	return tracks.ParticipantInfo{
		Identity: rp.Identity(),
		Metadata: rp.Metadata(),
	}
}

// liveKitRoom 把 *lksdk.Room 适配为 Room。
type liveKitRoom struct {
	room   *lksdk.Room
	logger *zap.Logger

	micOnce sync.Once
	micErr  error
}

func (r *liveKitRoom) PublishData(payload []byte) error {
	return r.room.LocalParticipant.PublishDataPacket(
		lksdk.UserData(payload),
		lksdk.WithDataPublishReliable(true),
	)
}

// PublishMicrophone 发布一条静音的 Opus 麦克风轨道。只执行一次；
// 采集由交互控制器按需启用。
func (r *liveKitRoom) PublishMicrophone() error {
	r.micOnce.Do(func() {
		track, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  1,
		})
		if err != nil {
			r.micErr = err
			return
		}
		pub, err := r.room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
			Name:   "microphone",
			Source: livekit.TrackSource_MICROPHONE,
		})
		if err != nil {
			r.micErr = err
			return
		}
		pub.SetMuted(true)
		r.logger.Info("muted microphone track published", zap.String("sid", pub.SID()))
	})
	return r.micErr
}

func (r *liveKitRoom) Disconnect() {
	r.room.Disconnect()
}
