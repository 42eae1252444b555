package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"vigil/internal/attest"
	"vigil/internal/playback"
	"vigil/internal/router"
	logx "vigil/pkg/logx"
)

func (a *App) commands() []router.Command {
	return []router.Command{
		{
			Name:        "join",
			Description: "加入你所在的語音頻道",
			Usage:       router.Prefix + "join",
			Handle:      a.cmdJoin,
		},
		{
			Name:        "bye",
			Description: "離開語音頻道",
			Usage:       router.Prefix + "bye",
			Handle:      a.cmdBye,
		},
		{
			Name:        "play",
			Description: "播放訊息附帶的 mp3 檔",
			Usage:       router.Prefix + "play（附加 mp3 檔案）",
			Handle:      a.cmdPlay,
		},
		{
			Name:        "yt",
			Description: "播放 YouTube 音樂",
			Usage:       router.Prefix + "yt <網址>",
			Handle:      a.cmdYT,
		},
		{
			Name:        "skip",
			Description: "跳到清單下一首",
			Usage:       router.Prefix + "skip",
			Handle:      a.cmdSkip,
		},
		{
			Name:        "stop",
			Description: "停止播放並清空清單",
			Usage:       router.Prefix + "stop",
			Handle:      a.cmdStop,
		},
		{
			Name:        "queue",
			Aliases:     []string{"q"},
			Description: "顯示播放清單",
			Usage:       router.Prefix + "queue",
			Handle:      a.cmdQueue,
		},
		{
			Name:        "history",
			Description: "最近播放過的歌曲",
			Usage:       router.Prefix + "history",
			Handle:      a.cmdHistory,
		},
		{
			Name:        "exam",
			Description: "期末考倒數",
			Usage:       router.Prefix + "exam",
			Handle:      a.cmdExam,
		},
		{
			Name:        "clear",
			Description: "清除當前頻道最近 N 則訊息",
			Usage:       router.Prefix + "clear <數量>",
			Handle:      a.cmdClear,
		},
		{
			Name:        "sleepcheck",
			Description: "手動觸發睡眠點名",
			Usage:       router.Prefix + "sleepcheck open|reconcile",
			Access:      router.AccessOwnerOnly,
			Timeout:     2 * time.Minute,
			Handle:      a.cmdSleepcheck,
		},
	}
}

func (a *App) interactionRoutes() []router.InteractionRoute {
	handle := func(ctx context.Context, req *router.Request) error {
		if a.att == nil || req.Update.Interaction == nil {
			return nil
		}
		err := a.att.HandleResponse(ctx, *req.Update.Interaction)
		// Rejections already answered the actor privately; don't bubble them
		// into the request log as failures.
		if errors.Is(err, attest.ErrAlreadyResponded) || errors.Is(err, attest.ErrNoOpenCycle) {
			req.Logger.Debug("sleep-check response rejected", logx.Err(err))
			return nil
		}
		return err
	}
	return []router.InteractionRoute{
		{Action: attest.ActionAffirm, Handle: handle},
		{Action: attest.ActionDecline, Handle: handle},
	}
}

// ensureVoice joins (or moves to) the author's voice channel. It returns the
// channel id, or ErrUsage when the author is not in voice.
func (a *App) ensureVoice(ctx context.Context, req *router.Request) (string, error) {
	msg := req.Update.Message
	if msg == nil || msg.AuthorVoiceChannel == "" {
		return "", fmt.Errorf("%w: 你要先進入一個語音頻道，我才能幫你播音樂唷！", router.ErrUsage)
	}
	cur := a.adapter.CurrentVoiceChannel(msg.GuildID)
	if cur == msg.AuthorVoiceChannel {
		return cur, nil
	}
	if err := a.adapter.JoinVoice(ctx, msg.GuildID, msg.AuthorVoiceChannel); err != nil {
		return "", err
	}
	return msg.AuthorVoiceChannel, nil
}

func (a *App) cmdJoin(ctx context.Context, req *router.Request) error {
	msg := req.Update.Message
	if msg == nil || msg.AuthorVoiceChannel == "" {
		req.Reply(ctx, "要先進入一個語音頻道，我才能跟上去唷！")
		return nil
	}
	if a.adapter.CurrentVoiceChannel(msg.GuildID) == msg.AuthorVoiceChannel {
		req.Reply(ctx, "我已經在這個語音頻道裡啦！")
		return nil
	}
	if err := a.adapter.JoinVoice(ctx, msg.GuildID, msg.AuthorVoiceChannel); err != nil {
		return err
	}
	name, err := a.adapter.ResolveChannel(ctx, msg.AuthorVoiceChannel)
	if err != nil {
		name = "語音"
	}
	req.Reply(ctx, fmt.Sprintf("我已經加入：%s 頻道陪你囉~", name))
	return nil
}

func (a *App) cmdBye(ctx context.Context, req *router.Request) error {
	msg := req.Update.Message
	if msg == nil {
		return nil
	}
	if a.adapter.CurrentVoiceChannel(msg.GuildID) == "" {
		req.Reply(ctx, "我現在沒有在任何語音頻道裡唷！")
		return nil
	}
	if err := a.adapter.LeaveVoice(ctx, msg.GuildID); err != nil {
		return err
	}
	req.Reply(ctx, "下次歡迎再來找我唷~")
	return nil
}

func (a *App) cmdPlay(ctx context.Context, req *router.Request) error {
	msg := req.Update.Message
	if msg == nil {
		return nil
	}
	if _, err := a.ensureVoice(ctx, req); err != nil {
		return err
	}
	if len(msg.Attachments) == 0 {
		return fmt.Errorf("%w: 請把 mp3 檔案當作附件一起傳給我，再使用 `%splay` 喔～", router.ErrUsage, router.Prefix)
	}
	att := msg.Attachments[0]
	if !strings.HasSuffix(strings.ToLower(att.FileName), ".mp3") {
		return fmt.Errorf("%w: 目前我只支援 `.mp3` 檔案喔 QQ", router.ErrUsage)
	}

	path, err := a.adapter.SaveAttachment(ctx, att, a.cfg.StagingDir)
	if err != nil {
		return fmt.Errorf("save attachment: %w", err)
	}

	a.engine.Enqueue(playback.NewLocal(path, att.FileName, true, req.ActorID))
	req.Reply(ctx, fmt.Sprintf("🎵 已加入播放清單：**%s**", att.FileName))
	a.engine.RequestPlayIfIdle(playback.Target{ChannelID: msg.ChannelID})
	return nil
}

func (a *App) cmdYT(ctx context.Context, req *router.Request) error {
	msg := req.Update.Message
	if msg == nil {
		return nil
	}
	if len(req.Args) != 1 {
		return fmt.Errorf("%w: 要給我一個網址喔", router.ErrUsage)
	}
	url := req.Args[0]
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("%w: 這看起來不像網址喔", router.ErrUsage)
	}
	if _, err := a.ensureVoice(ctx, req); err != nil {
		return err
	}

	a.engine.Enqueue(playback.NewRemote(url, req.ActorID))
	req.Reply(ctx, "🎵 已加入播放清單（播放時會抓最新串流）")
	a.engine.RequestPlayIfIdle(playback.Target{ChannelID: msg.ChannelID})
	return nil
}

func (a *App) cmdSkip(ctx context.Context, req *router.Request) error {
	if err := a.engine.Skip(); err != nil {
		if errors.Is(err, playback.ErrNotPlaying) {
			req.Reply(ctx, "目前沒有音樂正在播放哦！")
			return nil
		}
		return err
	}
	req.Reply(ctx, "⏭ 已跳到下一首！")
	return nil
}

func (a *App) cmdStop(ctx context.Context, req *router.Request) error {
	msg := req.Update.Message
	if msg == nil {
		return nil
	}
	if a.adapter.CurrentVoiceChannel(msg.GuildID) == "" {
		req.Reply(ctx, "我目前不在語音頻道中喔！")
		return nil
	}
	a.engine.Stop()
	req.Reply(ctx, "⏹ 已停止播放並清空播放清單！")
	return nil
}

func (a *App) cmdQueue(ctx context.Context, req *router.Request) error {
	snap := a.engine.Snapshot()
	if !snap.Playing && len(snap.Pending) == 0 {
		req.Reply(ctx, "播放清單是空的～")
		return nil
	}

	var b strings.Builder
	if snap.Playing {
		fmt.Fprintf(&b, "▶ 正在播放：**%s**\n", snap.CurrentTitle)
	}
	for i, title := range snap.Pending {
		fmt.Fprintf(&b, "%d. %s\n", i+1, title)
	}
	req.Reply(ctx, b.String())
	return nil
}

func (a *App) cmdHistory(ctx context.Context, req *router.Request) error {
	if a.hist == nil {
		req.Reply(ctx, "播放紀錄沒有開啟喔。")
		return nil
	}
	recs, err := a.hist.RecentPlays(ctx, 10)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		req.Reply(ctx, "還沒有播放紀錄～")
		return nil
	}

	var b strings.Builder
	b.WriteString("**最近播放**\n")
	for i, rec := range recs {
		fmt.Fprintf(&b, "%d. %s（%s）\n", i+1, rec.Title, rec.PlayedAt.In(a.cfg.Location()).Format("1/2 15:04"))
	}
	req.Reply(ctx, b.String())
	return nil
}

func (a *App) cmdExam(ctx context.Context, req *router.Request) error {
	req.Reply(ctx, a.ann.Countdown(time.Now().In(a.cfg.Location())))
	return nil
}

func (a *App) cmdClear(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return fmt.Errorf("%w: 請告訴我要清除幾則訊息", router.ErrUsage)
	}
	n, err := strconv.Atoi(req.Args[0])
	if err != nil || n <= 0 {
		return fmt.Errorf("%w: 請輸入大於 0 的數量喔！", router.ErrUsage)
	}

	allowed, err := a.adapter.HasManageMessages(ctx, req.Channel.ChannelID, req.ActorID)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: 你沒有**管理訊息**的權限，不能使用這個指令！", router.ErrPermission)
	}

	// +1 swallows the command message itself.
	deleted, err := a.adapter.PurgeMessages(ctx, req.Channel, n+1)
	if err != nil {
		return err
	}
	if deleted > 0 {
		deleted--
	}

	ref, serr := a.adapter.SendText(ctx, req.Channel, fmt.Sprintf("🧹 已清除 %d 則訊息", deleted), nil)
	if serr == nil {
		// The confirmation cleans itself up shortly after.
		time.AfterFunc(3*time.Second, func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = a.adapter.DeleteMessage(dctx, ref)
		})
	}
	return nil
}

func (a *App) cmdSleepcheck(ctx context.Context, req *router.Request) error {
	if a.att == nil {
		req.Reply(ctx, "睡眠點名沒有開啟（未設定 ATTESTATION_CHANNEL_ID）。")
		return nil
	}
	if len(req.Args) != 1 {
		return fmt.Errorf("%w: 要 open 還是 reconcile？", router.ErrUsage)
	}

	now := time.Now().In(a.cfg.Location())
	switch req.Args[0] {
	case "open":
		if err := a.att.Open(ctx, now); err != nil {
			return err
		}
		req.Reply(ctx, "已手動開啟今天的睡眠點名。")
	case "reconcile":
		if err := a.att.Reconcile(ctx, now); err != nil {
			return err
		}
		req.Reply(ctx, "已手動執行點名結算。")
	default:
		return fmt.Errorf("%w: 要 open 還是 reconcile？", router.ErrUsage)
	}
	return nil
}
