package monty

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"strings"
)

const (
	lootBoxOpenCustomID = "loot_box_open"
	lootBoxTitle        = "Trash Bag"
	reasonLootBoxOpen   = "loot box: trash bag"
	reasonLootBoxItem   = "loot box item: %s"
	reasonLootBoxRefund = "loot box refund"
	lootBoxRuleWidth    = 58
	lootUnknownItem     = "?????"
	lootNoFundsMessage  = "You can't afford to open this. Try /beg."
)

type Rarity int

const (
	RarityCommon Rarity = iota + 1
	RarityRare
	RarityVeryRare
)

// rarityWeights are the relative odds of pulling from each rarity.
var rarityWeights = map[Rarity]int{
	RarityCommon:   80,
	RarityRare:     15,
	RarityVeryRare: 5,
}

// LootItem is something that can be found in a loot box. Value is
// credited to (or, if negative, taken from) whoever finds it.
type LootItem struct {
	ID          uint
	Name        string
	Description string
	Value       float64
	Rarity      Rarity
}

var trashBagItems = []LootItem{
	{
		ID:          1,
		Name:        "Infected razor",
		Description: "You cut yourself, go to the hospital. Like, immediately.",
		Value:       -1000,
		Rarity:      RarityVeryRare,
	},
	{
		ID:          2,
		Name:        "Dog poop",
		Description: "This bag has a hole in it. Gross, now you have to replace your gloves.",
		Value:       -1,
		Rarity:      RarityRare,
	},
	{
		ID:          3,
		Name:        "Aluminum can",
		Description: "I think this has a deposit on it?",
		Value:       0.05,
		Rarity:      RarityCommon,
	},
	{
		ID:          4,
		Name:        "Used boot",
		Description: "Useless without the other one.",
		Value:       1,
		Rarity:      RarityCommon,
	},
	{
		ID:          5,
		Name:        "Wood",
		Description: "You can burn it, or build something.",
		Value:       5,
		Rarity:      RarityCommon,
	},
	{
		ID:          6,
		Name:        "Wood with a nail in it",
		Description: "In case there's an apocolypse.",
		Value:       10,
		Rarity:      RarityRare,
	},
	{
		ID:          7,
		Name:        "Broken xbox",
		Description: "You could probably fix this up.",
		Value:       10,
		Rarity:      RarityRare,
	},
	{
		ID:          8,
		Name:        "Social security number",
		Description: "Whooo! Let's go open some credit cards, boys!",
		Value:       1322.06,
		Rarity:      RarityVeryRare,
	},
}

// LootFind records an item a user found, so the loot box embed can reveal
// it to them afterward.
type LootFind struct {
	ModelUintID
	GuildID   int64 `gorm:"not null;index:idx_loot_finds_pair,priority:1" json:"guild_id,string"`
	UserID    int64 `gorm:"not null;index:idx_loot_finds_pair,priority:2" json:"user_id,string"`
	ItemID    uint  `gorm:"not null" json:"item_id"`
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

// lootBox groups items by rarity, keeping rarities in the order they
// first appear.
type lootBox struct {
	rarities []Rarity
	buckets  map[Rarity][]LootItem
}

func newLootBox(items []LootItem) *lootBox {
	box := &lootBox{buckets: map[Rarity][]LootItem{}}
	for _, item := range items {
		if _, ok := box.buckets[item.Rarity]; !ok {
			box.rarities = append(box.rarities, item.Rarity)
		}
		box.buckets[item.Rarity] = append(box.buckets[item.Rarity], item)
	}
	return box
}

// pull picks a rarity by weight, then an item uniformly within it.
func (b *lootBox) pull(randIntN func(int) int) (LootItem, error) {
	if len(b.rarities) == 0 {
		return LootItem{}, errors.New("loot box has no items")
	}
	weights := make([]int, len(b.rarities))
	for idx, r := range b.rarities {
		weights[idx] = rarityWeights[r]
	}
	bucket := b.buckets[b.rarities[weightedChoice(weights, randIntN)]]
	return bucket[randIntN(len(bucket))], nil
}

type lootOdds struct {
	item LootItem
	odds float64
}

// odds returns each item's chance of being pulled.
func (b *lootBox) odds() []lootOdds {
	total := 0
	for _, r := range b.rarities {
		total += rarityWeights[r]
	}
	var rv []lootOdds
	if total == 0 {
		return rv
	}
	for _, r := range b.rarities {
		bucket := b.buckets[r]
		each := float64(rarityWeights[r]) / float64(total) / float64(len(bucket))
		for _, item := range bucket {
			rv = append(rv, lootOdds{item: item, odds: each})
		}
	}
	return rv
}

// embed renders the box's odds table. Items not in found are hidden.
func (b *lootBox) embed(found map[uint]bool, message string, balance float64) *discordgo.MessageEmbed {
	var sb strings.Builder
	sb.WriteString("```\n")
	sb.WriteString(strings.Repeat("-", lootBoxRuleWidth))
	for _, o := range b.odds() {
		line := lootUnknownItem
		if found[o.item.ID] {
			line = fmt.Sprintf("[%s] %s", formatCredits(o.item.Value), o.item.Name)
		}
		_, _ = fmt.Fprintf(&sb, "\n%05.2f%% %s", o.odds*100, line)
	}
	sb.WriteString("```")
	if message != "" {
		_, _ = fmt.Fprintf(&sb, "\n```\n%s\n```", message)
	}
	return &discordgo.MessageEmbed{
		Title:       lootBoxTitle,
		Description: sb.String(),
		Footer: &discordgo.MessageEmbedFooter{
			Text: "Balance: " + formatCredits(balance),
		},
	}
}

func lootBoxButton(cost float64) discordgo.MessageComponent {
	return discordgo.ActionsRow{
		Components: []discordgo.MessageComponent{
			discordgo.Button{
				Label:    fmt.Sprintf("Open (Cost: %s)", formatCredits(cost)),
				Style:    discordgo.PrimaryButton,
				CustomID: lootBoxOpenCustomID,
			},
		},
	}
}

// foundItems returns the IDs of the items the user has found in the guild.
func foundItems(ctx context.Context, db *gorm.DB, guildID, userID int64) (map[uint]bool, error) {
	var ids []uint
	if err := db.WithContext(ctx).Model(&LootFind{}).
		Where("guild_id = ? AND user_id = ?", guildID, userID).
		Distinct("item_id").
		Pluck("item_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("error getting found items: %w", err)
	}
	found := make(map[uint]bool, len(ids))
	for _, id := range ids {
		found[id] = true
	}
	return found, nil
}

// commandLootBox shows the trash bag with an 'Open' button.
func (m *Monty) commandLootBox(ctx context.Context, handler InteractionHandler) error {
	guildID, userID, err := interactionAccount(handler.GetInteraction())
	if err != nil {
		return respondAccountError(ctx, handler, err)
	}
	found, err := foundItems(ctx, m.db, guildID, userID)
	if err != nil {
		return err
	}
	box := newLootBox(trashBagItems)
	return handler.Respond(
		ctx,
		embedResponse(
			box.embed(found, "", m.ledger.Balance(guildID, userID)),
			lootBoxButton(m.config.Economy.LootBoxCost),
		),
	)
}

// refundLootBox returns the cost of a box whose item couldn't be applied.
// A failed refund is logged with both amounts so it can be fixed by hand.
func (m *Monty) refundLootBox(
	ctx context.Context,
	logger *slog.Logger,
	guildID int64,
	userID int64,
	cost float64,
	cause error,
) {
	_, err := m.ledger.ApplyTransaction(ctx, guildID, userID, cost, reasonLootBoxRefund)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"loot box charged but not fulfilled, refund failed",
			"guild_id", guildID,
			"user_id", userID,
			"charged", cost,
			"refund_error", err.Error(),
			tint.Err(cause),
		)
		return
	}
	logger.WarnContext(ctx, "refunded loot box", "cost", cost, tint.Err(cause))
}

// openLootBox charges the clicking user, pulls an item, applies its value
// and updates the message with what was found.
func (m *Monty) openLootBox(ctx context.Context, handler InteractionHandler) error {
	guildID, userID, err := interactionAccount(handler.GetInteraction())
	if err != nil {
		return respondAccountError(ctx, handler, err)
	}
	logger := handler.Logger()
	cost := m.config.Economy.LootBoxCost

	if _, err = m.ledger.ApplyTransaction(
		ctx,
		guildID,
		userID,
		-cost,
		reasonLootBoxOpen,
	); err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return handler.Respond(ctx, ephemeralResponse(lootNoFundsMessage))
		}
		return err
	}

	box := newLootBox(trashBagItems)
	item, err := box.pull(m.randIntN)
	if err != nil {
		m.refundLootBox(ctx, logger, guildID, userID, cost, err)
		return err
	}

	reason := fmt.Sprintf(reasonLootBoxItem, item.Name)
	if _, err = m.ledger.ApplyTransaction(
		ctx, guildID, userID, m.clampLoss(guildID, userID, item.Value), reason,
	); errors.Is(err, ErrInsufficientFunds) {
		// the balance moved between the clamp and the write
		_, err = m.ledger.ApplyTransaction(
			ctx, guildID, userID, m.clampLoss(guildID, userID, item.Value), reason,
		)
	}
	if err != nil {
		m.refundLootBox(ctx, logger, guildID, userID, cost, err)
		return err
	}
	logger.InfoContext(ctx, "opened loot box", "item", item.Name, "value", item.Value)

	if createErr := m.db.WithContext(ctx).Create(
		&LootFind{GuildID: guildID, UserID: userID, ItemID: item.ID},
	).Error; createErr != nil {
		logger.ErrorContext(ctx, "error recording loot find", tint.Err(createErr))
	}

	found, err := foundItems(ctx, m.db, guildID, userID)
	if err != nil {
		logger.ErrorContext(ctx, "error getting found items", tint.Err(err))
		found = map[uint]bool{}
	}
	found[item.ID] = true

	message := fmt.Sprintf(
		"%s [%s]\n%s",
		item.Name,
		formatCredits(item.Value),
		item.Description,
	)
	return handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{
					box.embed(found, message, m.ledger.Balance(guildID, userID)),
				},
				Components: []discordgo.MessageComponent{lootBoxButton(cost)},
			},
		},
	)
}

// clampLoss limits a negative value to the user's balance, so a loss
// leaves them at zero rather than failing.
func (m *Monty) clampLoss(guildID, userID int64, value float64) float64 {
	if value >= 0 {
		return value
	}
	balance := m.ledger.Balance(guildID, userID)
	if -value > balance {
		return -balance
	}
	return value
}
