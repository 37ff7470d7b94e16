package monty

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"
)

const (
	celeryManURL = "https://thumbs.gfycat.com/DampHandyGoosefish-small.gif"

	anonAckMessage       = "Ok, I'll send that message on your behalf."
	reactedMessage       = "Reacted."
	noEmojiMessage       = "No emoji left to react with."
	noMessageMessage     = "There's no message here to react to."
	noDefinitionMessage  = "No definition found for %s."
	dictionaryBodyLimit  = 1 << 20
	fakePersonMinimumAge = 18
	fakePersonMaximumAge = 90
)

// mockText alternates the case of each letter, starting lowercase.
// Anything that isn't a letter is left alone, and doesn't count toward
// the alternation.
func mockText(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	upper := false
	for _, r := range s {
		if !unicode.IsLetter(r) {
			sb.WriteRune(r)
			continue
		}
		if upper {
			sb.WriteRune(unicode.ToUpper(r))
		} else {
			sb.WriteRune(unicode.ToLower(r))
		}
		upper = !upper
	}
	return sb.String()
}

// commandMock is a message context menu command, replying with the target
// message's content in mocking case.
func (m *Monty) commandMock(ctx context.Context, handler InteractionHandler) error {
	data := handler.GetInteraction().ApplicationCommandData()
	var content string
	if data.Resolved != nil {
		if msg, ok := data.Resolved.Messages[data.TargetID]; ok && msg != nil {
			content = msg.Content
		}
	}
	if strings.TrimSpace(content) == "" {
		return handler.Respond(ctx, ephemeralResponse("There's nothing to mock."))
	}
	return handler.Respond(
		ctx,
		messageResponse(truncate(mockText(content), discordMaxMessageLength)),
	)
}

func (m *Monty) commandBehold(ctx context.Context, handler InteractionHandler) error {
	opt, ok := discordInteractionOptions(handler.GetInteraction())[optionThing]
	if !ok {
		return fmt.Errorf("missing option: %s", optionThing)
	}
	thing := strings.TrimSpace(opt.StringValue())
	return handler.Respond(
		ctx,
		messageResponse(truncate("BEHOLD! "+thing, discordMaxMessageLength)),
	)
}

func (m *Monty) commandCeleryMan(ctx context.Context, handler InteractionHandler) error {
	return handler.Respond(ctx, messageResponse(celeryManURL))
}

// commandAnon acknowledges privately, then posts the message to the
// channel from the bot.
func (m *Monty) commandAnon(ctx context.Context, handler InteractionHandler) error {
	i := handler.GetInteraction()
	opt, ok := discordInteractionOptions(i)[optionMessage]
	if !ok {
		return fmt.Errorf("missing option: %s", optionMessage)
	}
	message := opt.StringValue()
	if message == "" {
		return handler.Respond(ctx, ephemeralResponse("The message can't be empty."))
	}

	if err := handler.Respond(ctx, ephemeralResponse(anonAckMessage)); err != nil {
		return err
	}
	if _, err := m.discord.session.ChannelMessageSendComplex(
		i.ChannelID,
		&discordgo.MessageSend{
			Content: truncate(message, discordMaxMessageLength),
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse: []discordgo.AllowedMentionType{},
			},
		},
	); err != nil {
		handler.Logger().ErrorContext(ctx, "error sending anonymous message", tint.Err(err))
	}
	return nil
}

// urbanDefinition is a single result from the dictionary API.
type urbanDefinition struct {
	Word       string `json:"word"`
	Definition string `json:"definition"`
	Example    string `json:"example"`
	Permalink  string `json:"permalink"`
}

type urbanResponse struct {
	List []urbanDefinition `json:"list"`
}

// dictionaryClient looks up terms on urban dictionary.
type dictionaryClient struct {
	url    string
	client *http.Client
}

func newDictionaryClient(endpoint string, client *http.Client) *dictionaryClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &dictionaryClient{url: endpoint, client: client}
}

// define returns the top definition for term, or nil if there aren't any.
func (d *dictionaryClient) define(ctx context.Context, term string) (*urbanDefinition, error) {
	endpoint, err := url.Parse(d.url)
	if err != nil {
		return nil, fmt.Errorf("invalid dictionary url: %w", err)
	}
	q := endpoint.Query()
	q.Set("term", term)
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error querying dictionary: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected dictionary status: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, dictionaryBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("error reading dictionary response: %w", err)
	}
	if len(body) == 0 {
		return nil, nil
	}
	var result urbanResponse
	if err = json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("error decoding dictionary response: %w", err)
	}
	if len(result.List) == 0 {
		return nil, nil
	}
	return &result.List[0], nil
}

func formatDefinition(def *urbanDefinition) string {
	definition := strings.ReplaceAll(def.Definition, "\r\n", "\n")
	return truncate(
		fmt.Sprintf("**%s**\n<%s>\n\n%s", def.Word, def.Permalink, definition),
		discordMaxMessageLength,
	)
}

// commandUD defers while querying the dictionary, then edits in the
// result.
func (m *Monty) commandUD(ctx context.Context, handler InteractionHandler) error {
	opt, ok := discordInteractionOptions(handler.GetInteraction())[optionTerm]
	if !ok {
		return fmt.Errorf("missing option: %s", optionTerm)
	}
	term := strings.TrimSpace(opt.StringValue())
	logger := handler.Logger()

	if err := handler.Respond(ctx, deferredResponse(false)); err != nil {
		return err
	}

	var content string
	def, err := m.dictionary.define(ctx, term)
	switch {
	case err != nil:
		logger.ErrorContext(ctx, "error fetching definition", tint.Err(err), "term", term)
		content = m.RuntimeConfig().DiscordErrorMessage
	case def == nil:
		content = truncate(fmt.Sprintf(noDefinitionMessage, term), discordMaxMessageLength)
	default:
		content = formatDefinition(def)
	}

	if _, err = handler.Edit(
		ctx,
		&discordgo.WebhookEdit{
			Content: &content,
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse: []discordgo.AllowedMentionType{},
			},
		},
	); err != nil {
		logger.ErrorContext(ctx, "error editing definition", tint.Err(err))
	}
	return nil
}

// commandRandomEmoji reacts with a random animated guild emoji that isn't
// already on the message. The message is the command's target if it has
// one, otherwise the channel's latest message.
func (m *Monty) commandRandomEmoji(ctx context.Context, handler InteractionHandler) error {
	i := handler.GetInteraction()
	if i.GuildID == "" {
		return handler.Respond(ctx, ephemeralResponse(guildOnlyMessage))
	}
	session := m.discord.session

	target, err := reactionTarget(session, i)
	if err != nil {
		return err
	}
	if target == nil {
		return handler.Respond(ctx, ephemeralResponse(noMessageMessage))
	}

	emojis, err := session.GuildEmojis(i.GuildID)
	if err != nil {
		return fmt.Errorf("error getting guild emojis: %w", err)
	}
	candidates := unusedAnimatedEmojis(emojis, target.Reactions)
	if len(candidates) == 0 {
		return handler.Respond(ctx, ephemeralResponse(noEmojiMessage))
	}

	emoji := candidates[m.randIntN(len(candidates))]
	if err = session.MessageReactionAdd(i.ChannelID, target.ID, emoji.APIName()); err != nil {
		return err
	}
	return handler.Respond(ctx, ephemeralResponse(reactedMessage))
}

func reactionTarget(
	session DiscordSessionHandler,
	i *discordgo.InteractionCreate,
) (*discordgo.Message, error) {
	data := i.ApplicationCommandData()
	if data.TargetID != "" && data.Resolved != nil {
		if msg, ok := data.Resolved.Messages[data.TargetID]; ok && msg != nil {
			return msg, nil
		}
	}
	messages, err := session.ChannelMessages(i.ChannelID, 1, "", "", "")
	if err != nil {
		return nil, fmt.Errorf("error getting latest message: %w", err)
	}
	if len(messages) == 0 {
		return nil, nil
	}
	return messages[0], nil
}

func unusedAnimatedEmojis(
	emojis []*discordgo.Emoji,
	reactions []*discordgo.MessageReactions,
) []*discordgo.Emoji {
	used := map[string]bool{}
	for _, r := range reactions {
		if r != nil && r.Emoji != nil && r.Emoji.ID != "" {
			used[r.Emoji.ID] = true
		}
	}
	var rv []*discordgo.Emoji
	for _, e := range emojis {
		if e == nil || !e.Animated || used[e.ID] {
			continue
		}
		rv = append(rv, e)
	}
	return rv
}

// commandFakePerson replies with an embed describing a made up person.
func (m *Monty) commandFakePerson(ctx context.Context, handler InteractionHandler) error {
	return handler.Respond(ctx, embedResponse(m.fakePersonEmbed(time.Now())))
}

func (m *Monty) fakePersonEmbed(now time.Time) *discordgo.MessageEmbed {
	f := m.faker
	first := f.FirstName()
	last := f.LastName()

	birthday := f.DateRange(
		now.AddDate(-fakePersonMaximumAge, 0, 0),
		now.AddDate(-fakePersonMinimumAge, 0, -1),
	)
	address := f.Address()

	localPart := first
	if f.Bool() {
		localPart = first[:1]
	}
	if f.Bool() {
		localPart += "."
	}
	localPart += last
	if f.Bool() {
		localPart += fmt.Sprint(f.Number(0, 100))
	}
	email := strings.ToLower(localPart + "@" + f.DomainName())

	plate := strings.ToUpper(f.Lexify("???")) + "-" + f.Numerify("####")

	return &discordgo.MessageEmbed{
		Title: "Fake Person",
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Name", Value: first + " " + last, Inline: true},
			{
				Name:   "DOB",
				Value:  fmt.Sprintf("%s(%d)", birthday.Format(time.DateOnly), age(birthday, now)),
				Inline: true,
			},
			{Name: "SSN", Value: f.SSN(), Inline: true},
			{Name: "Address", Value: address.Address},
			{Name: "Phone Number", Value: f.Phone(), Inline: true},
			{Name: "Email", Value: email, Inline: true},
			{Name: "Job", Value: f.JobTitle(), Inline: true},
			{Name: "Employer", Value: f.Company(), Inline: true},
			{Name: "License Plate", Value: plate, Inline: true},
			{
				Name: "Current Location",
				Value: fmt.Sprintf(
					"%.4f, %.4f (%s)",
					address.Latitude,
					address.Longitude,
					address.City,
				),
			},
		},
	}
}

// age returns the number of full years between birthday and now.
func age(birthday time.Time, now time.Time) int {
	years := now.Year() - birthday.Year()
	if now.Month() < birthday.Month() ||
		(now.Month() == birthday.Month() && now.Day() < birthday.Day()) {
		years--
	}
	return years
}
