// Package monty implements a Discord novelty bot built around a currency
// ledger.
//
// Each (guild, user) pair has a balance of credits. Every change is
// recorded as an immutable row in an append-only transaction log, and
// balances are served from an in-memory cache rebuilt from that log at
// startup. The log is authoritative: a balance is always the new_balance
// of the pair's latest transaction.
//
// Key components of the package include:
//
//   - Monty: the bot runtime, tying the rest together.
//   - Ledger: balances and the transaction log.
//   - Discord: the gateway session and command registration.
//   - API: an admin HTTP API for inspecting and adjusting balances,
//     pausing the bot, and exposing prometheus metrics.
//   - DiscordWebhookServer: receives interactions over HTTP, as an
//     alternative to the gateway.
//
// The bot supports these commands:
//
//   - /beg: get a handout, on a per-user cooldown.
//   - /balance: check your (or someone else's) balance.
//   - /leaderboard: the guild's balances, highest first.
//   - /loot_box: pay to dig through a trash bag.
//   - /ud, /behold, /celery_man, /anon, /random_emoji, /fake_person
//     and the 'mock' message command, which don't touch the ledger.
package monty
