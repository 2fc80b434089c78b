package mention

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Message keys. Values are fmt-style formats; HTML is allowed.
const (
	keySubExist        = "at.subscribe.exist"
	keySubSuccess      = "at.subscribe.success"
	keyUnsubNone       = "at.unsubscribe.none"
	keyUnsubSuccess    = "at.unsubscribe.success"
	keyEmpty           = "at.get.empty"
	keyNoSubscription  = "at.get.no-subscription"
	keyHeader          = "at.get.header"
	keyGuild           = "at.get.guild"
	keyReply           = "at.get.reply"
	keySendFailed      = "at.get.send-failed"
	keyChannelNotFound = "at.channel-not-found"
	keyForbidden       = "at.forbidden"
	keyNeedChannel     = "at.need-channel"
	keyUnknownUser     = "at.unknown-user"
	keyBadCount        = "at.bad-count"
	keyStatus          = "at.status"
	keyStatusNone      = "at.status.none"
)

var supportedLocales = []language.Tag{language.English, language.Chinese, language.Indonesian}

var localeMatcher = language.NewMatcher(supportedLocales)

var messages = map[language.Tag]map[string]string{
	language.English: {
		keySubExist:        "You are already subscribed here.",
		keySubSuccess:      "Subscribed. Mentions in this chat will be kept for you.",
		keyUnsubNone:       "You are not subscribed here.",
		keyUnsubSuccess:    "Unsubscribed.",
		keyEmpty:           "No mentions yet.",
		keyNoSubscription:  "You have no subscription. Use /at_subscribe in a group first.",
		keyHeader:          "📬 <b>Mentions %d–%d of %d</b>",
		keyGuild:           "[%s]",
		keyReply:           "↪ reply to #%s",
		keySendFailed:      "Delivery stopped after %d of %d mentions.",
		keyChannelNotFound: "Unknown channel %s.",
		keyForbidden:       "You are not allowed to do that.",
		keyNeedChannel:     "Run this in a group or pass -c &lt;chat id&gt;.",
		keyUnknownUser:     "Unknown user %s.",
		keyBadCount:        "Invalid count %s.",
		keyStatus:          "<b>%d</b> pending mention(s). Subscribed in: %s",
		keyStatusNone:      "<b>%d</b> pending mention(s). Not subscribed anywhere.",
	},
	language.Chinese: {
		keySubExist:        "你已经订阅过了。",
		keySubSuccess:      "订阅成功。",
		keyUnsubNone:       "你还没有订阅。",
		keyUnsubSuccess:    "已取消订阅。",
		keyEmpty:           "暂时没有人@你。",
		keyNoSubscription:  "你还没有订阅，请先在群里使用 /at_subscribe。",
		keyHeader:          "📬 <b>第 %d–%d 条，共 %d 条</b>",
		keyGuild:           "[%s]",
		keyReply:           "↪ 回复 #%s",
		keySendFailed:      "发送中断：已发送 %d / %d 条。",
		keyChannelNotFound: "频道 %s 不存在。",
		keyForbidden:       "权限不足。",
		keyNeedChannel:     "请在群聊中使用，或指定 -c &lt;群号&gt;。",
		keyUnknownUser:     "未知用户 %s。",
		keyBadCount:        "无效的数量 %s。",
		keyStatus:          "待查看 <b>%d</b> 条。已订阅：%s",
		keyStatusNone:      "待查看 <b>%d</b> 条。尚未订阅任何群。",
	},
	language.Indonesian: {
		keySubExist:        "Kamu sudah berlangganan di sini.",
		keySubSuccess:      "Berhasil berlangganan.",
		keyUnsubNone:       "Kamu belum berlangganan di sini.",
		keyUnsubSuccess:    "Langganan dihentikan.",
		keyEmpty:           "Belum ada mention.",
		keyNoSubscription:  "Kamu belum berlangganan. Pakai /at_subscribe di grup dulu.",
		keyHeader:          "📬 <b>Mention %d–%d dari %d</b>",
		keyGuild:           "[%s]",
		keyReply:           "↪ balasan untuk #%s",
		keySendFailed:      "Pengiriman berhenti setelah %d dari %d mention.",
		keyChannelNotFound: "Channel %s tidak dikenal.",
		keyForbidden:       "Kamu tidak punya izin.",
		keyNeedChannel:     "Jalankan di grup atau pakai -c &lt;chat id&gt;.",
		keyUnknownUser:     "User %s tidak dikenal.",
		keyBadCount:        "Jumlah tidak valid: %s.",
		keyStatus:          "<b>%d</b> mention tertunda. Berlangganan di: %s",
		keyStatusNone:      "<b>%d</b> mention tertunda. Belum berlangganan di mana pun.",
	},
}

var localeCatalog = func() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for tag, msgs := range messages {
		for k, v := range msgs {
			if err := b.SetString(tag, k, v); err != nil {
				panic("mention locale " + tag.String() + " " + k + ": " + err.Error())
			}
		}
	}
	return b
}()

func matchLocale(t language.Tag) language.Tag {
	_, idx, _ := localeMatcher.Match(t)
	return supportedLocales[idx]
}

func newPrinter(t language.Tag) *message.Printer {
	return message.NewPrinter(t, message.Catalog(localeCatalog))
}
