package bot

import (
	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"
)

// Per-role command lists for Telegram's menu button. Members get the default
// scope; admins get their own list through BotCommandScopeChat.

var commandsMember = []tgbotapi.BotCommand{
	{Command: "invite", Description: "Get your personal invite link"},
	{Command: "stats", Description: "Your invites this month"},
	{Command: "top", Description: "Current leaderboard"},
	{Command: "help", Description: "Show available commands"},
}

var commandsAdmin = []tgbotapi.BotCommand{
	{Command: "invite", Description: "Get your personal invite link"},
	{Command: "stats", Description: "Your invites this month"},
	{Command: "top", Description: "Current leaderboard"},
	{Command: "applications", Description: "List join requests"},
	{Command: "approve", Description: "Approve a join request"},
	{Command: "finalize", Description: "Finalize a month and send payouts"},
	{Command: "help", Description: "Show available commands"},
}

func (t *TgBot) setDefaultCommands() {
	_, err := t.api.SetMyCommands(commandsMember, &tgbotapi.SetMyCommandsOpts{
		Scope: tgbotapi.BotCommandScopeDefault{},
	})
	if err != nil {
		t.log.Warn("setting default commands", "error", err)
	}
}

func (t *TgBot) setUserCommands(chatId int64, admin bool) {
	commands := commandsMember
	if admin {
		commands = commandsAdmin
	}
	_, err := t.api.SetMyCommands(commands, &tgbotapi.SetMyCommandsOpts{
		Scope: tgbotapi.BotCommandScopeChat{ChatId: chatId},
	})
	if err != nil {
		t.log.Warn("setting user commands", "chat_id", chatId, "error", err)
	}
}

func (t *TgBot) syncAdminMenus() {
	for _, id := range t.admins() {
		t.setUserCommands(id, true)
	}
}
