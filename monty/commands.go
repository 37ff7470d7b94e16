package monty

import (
	"github.com/bwmarrin/discordgo"
)

const (
	commandBeg         = "beg"
	commandBalance     = "balance"
	commandLeaderboard = "leaderboard"
	commandLootBox     = "loot_box"
	commandMock        = "mock"
	commandBehold      = "behold"
	commandCeleryMan   = "celery_man"
	commandAnon        = "anon"
	commandUD          = "ud"
	commandRandomEmoji = "random_emoji"
	commandFakePerson  = "fake_person"

	optionUser    = "user"
	optionThing   = "thing_being_looked_at"
	optionMessage = "message"
	optionTerm    = "term"

	anonMaxLength = discordMaxMessageLength
)

// economyCommands move credits, so they're guild-only and refused while
// the bot is paused.
var economyCommands = map[string]bool{
	commandBeg:     true,
	commandLootBox: true,
}

// guildCommand returns a chat input command which can only be used in a
// guild, since balances are scoped per guild.
func guildCommand(name string, description string) *discordgo.ApplicationCommand {
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
	}
	integrationTypes := []discordgo.ApplicationIntegrationType{
		discordgo.ApplicationIntegrationGuildInstall,
	}
	return &discordgo.ApplicationCommand{
		Name:             name,
		Type:             discordgo.ChatApplicationCommand,
		Description:      description,
		Contexts:         &contexts,
		IntegrationTypes: &integrationTypes,
	}
}

func anywhereCommand(name string, description string) *discordgo.ApplicationCommand {
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
		discordgo.InteractionContextPrivateChannel,
		discordgo.InteractionContextBotDM,
	}
	integrationTypes := []discordgo.ApplicationIntegrationType{
		discordgo.ApplicationIntegrationGuildInstall,
	}
	return &discordgo.ApplicationCommand{
		Name:             name,
		Type:             discordgo.ChatApplicationCommand,
		Description:      description,
		Contexts:         &contexts,
		IntegrationTypes: &integrationTypes,
	}
}

// applicationCommands returns every command the bot registers.
func applicationCommands() []*discordgo.ApplicationCommand {
	anonMinLength := 1

	balance := guildCommand(commandBalance, "Check how many credits you (or someone else) have")
	balance.Options = []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionUser,
			Name:        optionUser,
			Description: "Whose balance to check",
		},
	}

	behold := anywhereCommand(commandBehold, "LOOK wonderingly at an emoji or something")
	behold.Options = []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionThing,
			Description: "The thing being looked at",
			Required:    true,
		},
	}

	anon := guildCommand(commandAnon, "Send a message anonymously")
	anon.Options = []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionMessage,
			Description: "The message you want to send anonymously",
			Required:    true,
			MinLength:   &anonMinLength,
			MaxLength:   anonMaxLength,
		},
	}

	ud := anywhereCommand(commandUD, "Fetch a definition from urban dictionary")
	ud.Options = []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionTerm,
			Description: "The term to look up",
			Required:    true,
		},
	}

	mockContexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
		discordgo.InteractionContextPrivateChannel,
	}
	mock := &discordgo.ApplicationCommand{
		Name:     commandMock,
		Type:     discordgo.MessageApplicationCommand,
		Contexts: &mockContexts,
	}

	return []*discordgo.ApplicationCommand{
		guildCommand(commandBeg, "Looking for handouts?"),
		balance,
		guildCommand(commandLeaderboard, "Find out who the 1% really are"),
		guildCommand(commandLootBox, "Dig through a trash bag for treasure"),
		mock,
		behold,
		anywhereCommand(commandCeleryMan, "Computer, bring up Celery Man"),
		anon,
		ud,
		guildCommand(commandRandomEmoji, "React to the latest message with a random animated emoji"),
		anywhereCommand(commandFakePerson, "Generate a fake persona"),
	}
}
