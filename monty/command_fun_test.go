package monty

import (
	"context"
	"encoding/json"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestMockText(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"hello world":     "hElLo WoRlD",
		"Hi, there!":      "hI, tHeRe!",
		"ALL CAPS 123 ok": "aLl CaPs 123 Ok",
		"":                "",
		"...":             "...",
	}
	for input, want := range tests {
		assert.Equalf(t, want, mockText(input), "input: %q", input)
	}
}

func newMessageCommandInteraction(
	t testing.TB,
	u *discordgo.User,
	name string,
	target *discordgo.Message,
) *discordgo.InteractionCreate {
	t.Helper()
	i := newCommandInteraction(t, u, name)
	data := i.ApplicationCommandData()
	data.CommandType = discordgo.MessageApplicationCommand
	if target != nil {
		data.TargetID = target.ID
		data.Resolved = &discordgo.ApplicationCommandInteractionDataResolved{
			Messages: map[string]*discordgo.Message{target.ID: target},
		}
	}
	i.Data = data
	return i
}

func TestMonty_CommandMock(t *testing.T) {
	t.Parallel()
	m := newTestMonty(t)
	u := newDiscordUser(t, testUserID)

	handler := runTestCommand(
		t,
		m,
		newMessageCommandInteraction(
			t,
			u,
			commandMock,
			&discordgo.Message{ID: "500000000000000005", Content: "i love the ledger"},
		),
	)
	responses := handler.responses()
	require.Len(t, responses, 1)
	assert.Equal(t, "i LoVe ThE lEdGeR", responses[0].Data.Content)

	handler = runTestCommand(
		t,
		m,
		newMessageCommandInteraction(
			t,
			u,
			commandMock,
			&discordgo.Message{ID: "500000000000000005", Content: "  "},
		),
	)
	responses = handler.responses()
	require.Len(t, responses, 1)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, responses[0].Data.Flags)
}

func TestMonty_CommandBehold(t *testing.T) {
	t.Parallel()
	m := newTestMonty(t)
	handler := runTestCommand(
		t,
		m,
		newCommandInteraction(
			t,
			newDiscordUser(t, testUserID),
			commandBehold,
			stringOption(optionThing, " my new car "),
		),
	)
	responses := handler.responses()
	require.Len(t, responses, 1)
	assert.Equal(t, "BEHOLD! my new car", responses[0].Data.Content)
}

func TestMonty_CommandAnon(t *testing.T) {
	t.Parallel()
	m := newTestMonty(t)
	session := m.discord.session.(*mockDiscordSession)

	handler := runTestCommand(
		t,
		m,
		newCommandInteraction(
			t,
			newDiscordUser(t, testUserID),
			commandAnon,
			stringOption(optionMessage, "it wasn't me @everyone"),
		),
	)
	responses := handler.responses()
	require.Len(t, responses, 1)
	assert.Equal(t, anonAckMessage, responses[0].Data.Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, responses[0].Data.Flags)

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, testChannelID, sent[0].ChannelID)
	assert.Equal(t, "it wasn't me @everyone", sent[0].Content)
}

func newDictionaryServer(t testing.TB, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestDictionaryClient_Define(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := newDictionaryServer(
		t, func(w http.ResponseWriter, r *http.Request) {
			term := r.URL.Query().Get("term")
			if term == "nothing" {
				_ = json.NewEncoder(w).Encode(urbanResponse{})
				return
			}
			_ = json.NewEncoder(w).Encode(
				urbanResponse{
					List: []urbanDefinition{
						{
							Word:       term,
							Definition: "first\r\ndefinition",
							Permalink:  "https://example.com/1",
						},
						{Word: term, Definition: "second"},
					},
				},
			)
		},
	)
	client := newDictionaryClient(srv.URL, srv.Client())

	def, err := client.define(ctx, "yeet & skeet")
	require.NoError(t, err)
	require.NotNil(t, def)
	assert.Equal(t, "yeet & skeet", def.Word)
	assert.Equal(
		t,
		"**yeet & skeet**\n<https://example.com/1>\n\nfirst\ndefinition",
		formatDefinition(def),
	)

	def, err = client.define(ctx, "nothing")
	require.NoError(t, err)
	assert.Nil(t, def)

	failing := newDictionaryServer(
		t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
	)
	_, err = newDictionaryClient(failing.URL, failing.Client()).define(ctx, "x")
	require.Error(t, err)
}

func TestFormatDefinition_Truncates(t *testing.T) {
	t.Parallel()
	def := &urbanDefinition{
		Word:       "long",
		Definition: strings.Repeat("a", discordMaxMessageLength*2),
		Permalink:  "https://example.com",
	}
	assert.Len(t, formatDefinition(def), discordMaxMessageLength)
}

func TestMonty_CommandUD(t *testing.T) {
	t.Parallel()
	m := newTestMonty(t)
	u := newDiscordUser(t, testUserID)

	srv := newDictionaryServer(
		t, func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Query().Get("term") {
			case "ledger":
				_ = json.NewEncoder(w).Encode(
					urbanResponse{
						List: []urbanDefinition{
							{
								Word:       "ledger",
								Definition: "a book of credits",
								Permalink:  "https://example.com/ledger",
							},
						},
					},
				)
			case "broken":
				w.WriteHeader(http.StatusInternalServerError)
			default:
				_ = json.NewEncoder(w).Encode(urbanResponse{})
			}
		},
	)
	m.dictionary = newDictionaryClient(srv.URL, srv.Client())

	tests := []struct {
		term string
		want string
	}{
		{"ledger", "**ledger**\n<https://example.com/ledger>\n\na book of credits"},
		{"asdfgh", "No definition found for asdfgh."},
		{"broken", DefaultDiscordErrorMessage},
	}
	for _, tc := range tests {
		handler := runTestCommand(
			t,
			m,
			newCommandInteraction(t, u, commandUD, stringOption(optionTerm, tc.term)),
		)
		responses := handler.responses()
		require.Len(t, responses, 1)
		assert.Equal(
			t,
			discordgo.InteractionResponseDeferredChannelMessageWithSource,
			responses[0].Type,
		)
		edits := handler.edits()
		require.Len(t, edits, 1)
		require.NotNil(t, edits[0].WebhookEdit.Content)
		assert.Equal(t, tc.want, *edits[0].WebhookEdit.Content)
	}
}

func TestUnusedAnimatedEmojis(t *testing.T) {
	t.Parallel()
	emojis := []*discordgo.Emoji{
		{ID: "1", Name: "dance", Animated: true},
		{ID: "2", Name: "still"},
		{ID: "3", Name: "spin", Animated: true},
		nil,
	}
	reactions := []*discordgo.MessageReactions{
		{Emoji: &discordgo.Emoji{ID: "1", Name: "dance"}},
		{Emoji: &discordgo.Emoji{Name: "👍"}},
		nil,
	}
	got := unusedAnimatedEmojis(emojis, reactions)
	require.Len(t, got, 1)
	assert.Equal(t, "3", got[0].ID)
}

func TestMonty_CommandRandomEmoji(t *testing.T) {
	t.Parallel()
	m := newTestMonty(t)
	session := m.discord.session.(*mockDiscordSession)
	u := newDiscordUser(t, testUserID)

	handler := runTestCommand(t, m, newCommandInteraction(t, u, commandRandomEmoji))
	responses := handler.responses()
	require.Len(t, responses, 1)
	assert.Equal(t, noMessageMessage, responses[0].Data.Content)

	session.history = []*discordgo.Message{
		{
			ID: "600000000000000006",
			Reactions: []*discordgo.MessageReactions{
				{Emoji: &discordgo.Emoji{ID: "1", Name: "dance", Animated: true}},
			},
		},
	}
	session.emojis = []*discordgo.Emoji{{ID: "1", Name: "dance", Animated: true}}
	handler = runTestCommand(t, m, newCommandInteraction(t, u, commandRandomEmoji))
	responses = handler.responses()
	require.Len(t, responses, 1)
	assert.Equal(t, noEmojiMessage, responses[0].Data.Content)

	session.emojis = append(
		session.emojis,
		&discordgo.Emoji{ID: "2", Name: "spin", Animated: true},
		&discordgo.Emoji{ID: "3", Name: "wave", Animated: true},
	)
	m.randIntN = sequence(1)
	handler = runTestCommand(t, m, newCommandInteraction(t, u, commandRandomEmoji))
	responses = handler.responses()
	require.Len(t, responses, 1)
	assert.Equal(t, reactedMessage, responses[0].Data.Content)

	reactions := session.sentReactions()
	require.Len(t, reactions, 1)
	assert.Equal(
		t,
		sentReaction{ChannelID: testChannelID, MessageID: "600000000000000006", EmojiID: "wave:3"},
		reactions[0],
	)
}

func TestMonty_CommandRandomEmoji_Target(t *testing.T) {
	t.Parallel()
	m := newTestMonty(t)
	session := m.discord.session.(*mockDiscordSession)
	session.emojis = []*discordgo.Emoji{{ID: "2", Name: "spin", Animated: true}}

	target := &discordgo.Message{ID: "700000000000000007"}
	handler := runTestCommand(
		t,
		m,
		newMessageCommandInteraction(t, newDiscordUser(t, testUserID), commandRandomEmoji, target),
	)
	require.Len(t, handler.responses(), 1)

	reactions := session.sentReactions()
	require.Len(t, reactions, 1)
	assert.Equal(t, target.ID, reactions[0].MessageID)
}

func TestAge(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 24, age(time.Date(2000, 6, 15, 0, 0, 0, 0, time.UTC), now))
	assert.Equal(t, 23, age(time.Date(2000, 6, 16, 0, 0, 0, 0, time.UTC), now))
	assert.Equal(t, 23, age(time.Date(2000, 7, 1, 0, 0, 0, 0, time.UTC), now))
	assert.Equal(t, 24, age(time.Date(2000, 1, 31, 0, 0, 0, 0, time.UTC), now))
}

func TestMonty_FakePersonEmbed(t *testing.T) {
	t.Parallel()
	m := newTestMonty(t)
	m.faker = gofakeit.New(42)
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	embed := m.fakePersonEmbed(now)
	assert.Equal(t, "Fake Person", embed.Title)

	fields := map[string]string{}
	for _, f := range embed.Fields {
		fields[f.Name] = f.Value
	}
	for _, name := range []string{
		"Name", "DOB", "SSN", "Address", "Phone Number", "Email", "Job",
		"Employer", "License Plate", "Current Location",
	} {
		assert.NotEmptyf(t, fields[name], "missing field: %s", name)
	}

	dob := regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})\((\d+)\)$`).FindStringSubmatch(fields["DOB"])
	require.Len(t, dob, 3, fields["DOB"])
	years, err := strconv.Atoi(dob[2])
	require.NoError(t, err)
	assert.GreaterOrEqual(t, years, fakePersonMinimumAge)
	assert.LessOrEqual(t, years, fakePersonMaximumAge)

	assert.Regexp(t, `^[A-Z]{3}-\d{4}$`, fields["License Plate"])
	assert.Contains(t, fields["Email"], "@")
	assert.Equal(t, strings.ToLower(fields["Email"]), fields["Email"])

	// same seed, same person
	m.faker = gofakeit.New(42)
	assert.Equal(t, embed, m.fakePersonEmbed(now))
}

func TestMonty_CommandFakePerson(t *testing.T) {
	t.Parallel()
	m := newTestMonty(t)
	handler := runTestCommand(
		t,
		m,
		newCommandInteraction(t, newDiscordUser(t, testUserID), commandFakePerson),
	)
	responses := handler.responses()
	require.Len(t, responses, 1)
	require.Len(t, responses[0].Data.Embeds, 1)
	assert.Len(t, responses[0].Data.Embeds[0].Fields, 10)
}
