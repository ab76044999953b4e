package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markkurossi/tabulate"

	"github.com/tolelom/shadowduel/core"
	"github.com/tolelom/shadowduel/crypto"
	"github.com/tolelom/shadowduel/events"
	"github.com/tolelom/shadowduel/ledger"
	"github.com/tolelom/shadowduel/outcome"
	"github.com/tolelom/shadowduel/rpc"
	"github.com/tolelom/shadowduel/wallet"
)

func password() (string, error) {
	pw := os.Getenv("DUEL_PASSWORD")
	if pw == "" {
		return "", errors.New("DUEL_PASSWORD is not set")
	}
	return pw, nil
}

func loadWallet(path string) (*wallet.Wallet, error) {
	pw, err := password()
	if err != nil {
		return nil, err
	}
	priv, err := wallet.LoadKey(path, pw)
	if err != nil {
		return nil, err
	}
	return wallet.New(priv)
}

// send signs payload as w with the account's current nonce and submits it.
func send(ctx context.Context, c *rpc.Client, w *wallet.Wallet, typ core.TxType, payload any) (*ledger.Receipt, error) {
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := c.Nonce(ctx, w.PubKey())
	if err != nil {
		return nil, err
	}
	tx, err := w.NewTx(chainID, typ, nonce, payload)
	if err != nil {
		return nil, err
	}
	rc, err := c.SendTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	fmt.Printf("%s accepted at height %d (tx %.16s)\n", typ, rc.Height, rc.TxID)
	return rc, nil
}

func cmdKeygen(_ context.Context, _ *rpc.Client, args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	out := fs.String("out", "player.json", "keystore path")
	fs.Parse(args)

	pw, err := password()
	if err != nil {
		return err
	}
	if _, err := os.Stat(*out); err == nil {
		return fmt.Errorf("%s already exists", *out)
	}
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := wallet.SaveKey(*out, pw, priv); err != nil {
		return err
	}
	w, err := wallet.New(priv)
	if err != nil {
		return err
	}
	fmt.Printf("Public key: %s\nSaved to:   %s\n", w.PubKey(), *out)
	return nil
}

func cmdToken(_ context.Context, _ *rpc.Client, args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	secret := fs.String("secret", os.Getenv("DUEL_RPC_JWT_SECRET"), "JWT signing secret")
	sub := fs.String("sub", "duelctl", "token subject")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	fs.Parse(args)

	tok, err := rpc.IssueToken(*secret, *sub, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func cmdStatus(ctx context.Context, c *rpc.Client, _ []string) error {
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return err
	}
	height, err := c.Height(ctx)
	if err != nil {
		return err
	}
	keys, err := c.ClusterInfo(ctx)
	if err != nil {
		return err
	}
	types, err := c.TxTypes(ctx)
	if err != nil {
		return err
	}

	tab := tabulate.New(tabulate.UnicodeLight)
	tab.Header("Field").SetAlign(tabulate.ML)
	tab.Header("Value").SetAlign(tabulate.ML)
	addRow(tab, "chain", chainID)
	addRow(tab, "height", strconv.FormatUint(height, 10))
	addRow(tab, "cluster enc key", fmt.Sprintf("%x", keys.EncryptionKey))
	addRow(tab, "cluster attest key", keys.AttestationKey)
	addRow(tab, "tx types", fmt.Sprint(types))
	for _, v := range []core.Variant{core.VariantDominance, core.VariantCard} {
		def, err := c.Circuit(ctx, v.Circuit())
		if err != nil {
			addRow(tab, v.Circuit(), "not registered")
			continue
		}
		addRow(tab, v.Circuit(), fmt.Sprintf("digest %.16s", def.Digest))
	}
	tab.Print(os.Stdout)
	return nil
}

func cmdCreate(ctx context.Context, c *rpc.Client, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	key := fs.String("key", "player.json", "keystore path")
	id := fs.String("id", "", "match id (derived from the tx when empty)")
	variant := fs.String("variant", string(core.VariantDominance), "dominance | card")
	fs.Parse(args)

	w, err := loadWallet(*key)
	if err != nil {
		return err
	}
	rc, err := send(ctx, c, w, core.TxCreateMatch, core.CreateMatchPayload{MatchID: *id, Variant: core.Variant(*variant)})
	if err != nil {
		return err
	}
	for _, ev := range rc.Events {
		if ev.Type == events.EventMatchCreated {
			fmt.Printf("match id: %v\n", ev.Data["match_id"])
		}
	}
	return nil
}

func cmdJoin(ctx context.Context, c *rpc.Client, args []string) error {
	fs := flag.NewFlagSet("join", flag.ExitOnError)
	key := fs.String("key", "player.json", "keystore path")
	id := fs.String("match", "", "match id")
	fs.Parse(args)

	w, err := loadWallet(*key)
	if err != nil {
		return err
	}
	_, err = send(ctx, c, w, core.TxJoinMatch, core.JoinMatchPayload{MatchID: *id})
	return err
}

func cmdMove(ctx context.Context, c *rpc.Client, args []string) error {
	fs := flag.NewFlagSet("move", flag.ExitOnError)
	key := fs.String("key", "player.json", "keystore path")
	id := fs.String("match", "", "match id")
	action := fs.String("action", "", "attack | defend | break (dominance matches)")
	power := fs.Uint64("power", 0, "move power (dominance matches)")
	card := fs.Uint64("card", 0, "card value (card matches)")
	fs.Parse(args)

	w, err := loadWallet(*key)
	if err != nil {
		return err
	}
	m, err := c.Match(ctx, *id)
	if err != nil {
		return err
	}
	seat := m.SeatOf(w.PubKey())
	if seat.Side == core.WinnerNone {
		return fmt.Errorf("%s: %w", *id, core.ErrNotAPlayer)
	}
	keys, err := c.ClusterInfo(ctx)
	if err != nil {
		return err
	}

	var commitment core.Commitment
	switch m.Variant {
	case core.VariantDominance:
		at, err := outcome.ParseActionType(*action)
		if err != nil {
			return err
		}
		commitment, err = wallet.SealDuelMove(keys.EncryptionKey, seat, outcome.Move{Action: at, Power: *power})
		if err != nil {
			return err
		}
	case core.VariantCard:
		commitment, err = wallet.SealCard(keys.EncryptionKey, seat, outcome.Card{Value: *card})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %q", core.ErrUnknownVariant, m.Variant)
	}
	_, err = send(ctx, c, w, core.TxCommitMove, core.CommitMovePayload{MatchID: *id, Commitment: commitment})
	return err
}

func cmdResolve(ctx context.Context, c *rpc.Client, args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	key := fs.String("key", "player.json", "keystore path")
	id := fs.String("match", "", "match id")
	fs.Parse(args)

	w, err := loadWallet(*key)
	if err != nil {
		return err
	}
	nonce, err := crypto.RandomNonce()
	if err != nil {
		return err
	}
	rc, err := send(ctx, c, w, core.TxRequestResolution, core.RequestResolutionPayload{
		MatchID:   *id,
		ResultKey: w.EncryptionKey(),
		Nonce:     core.Nonce(nonce),
	})
	if err != nil {
		return err
	}
	for _, ev := range rc.Events {
		if ev.Type == events.EventComputationQueued {
			fmt.Printf("computation %v queued, result nonce %x\n", ev.Data["computation_id"], nonce)
		}
	}
	return nil
}

func cmdAbandon(ctx context.Context, c *rpc.Client, args []string) error {
	fs := flag.NewFlagSet("abandon", flag.ExitOnError)
	key := fs.String("key", "player.json", "keystore path")
	id := fs.String("match", "", "match id")
	fs.Parse(args)

	w, err := loadWallet(*key)
	if err != nil {
		return err
	}
	_, err = send(ctx, c, w, core.TxAbandonResolution, core.AbandonResolutionPayload{MatchID: *id})
	return err
}

func cmdMatch(ctx context.Context, c *rpc.Client, args []string) error {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	id := fs.String("id", "", "match id")
	fs.Parse(args)

	m, err := c.Match(ctx, *id)
	if err != nil {
		return err
	}
	tab := tabulate.New(tabulate.UnicodeLight)
	tab.Header("Field").SetAlign(tabulate.ML)
	tab.Header("Value").SetAlign(tabulate.ML)
	addRow(tab, "id", m.ID)
	addRow(tab, "variant", string(m.Variant))
	addRow(tab, "phase", string(m.Phase))
	addRow(tab, "turn", strconv.FormatUint(m.Turn, 10))
	addRow(tab, "player A", short(m.PlayerA))
	addRow(tab, "player B", short(m.PlayerB))
	addRow(tab, "A committed", strconv.FormatBool(m.CommittedA))
	addRow(tab, "B committed", strconv.FormatBool(m.CommittedB))
	if m.Pending != nil {
		addRow(tab, "computation", m.Pending.ComputationID)
		addRow(tab, "requested", time.Unix(0, m.Pending.RequestedAt).UTC().Format(time.RFC3339))
	}
	tab.Print(os.Stdout)
	return nil
}

func cmdMatches(ctx context.Context, c *rpc.Client, args []string) error {
	fs := flag.NewFlagSet("matches", flag.ExitOnError)
	player := fs.String("player", "", "player public key")
	key := fs.String("key", "", "keystore path (alternative to -player)")
	fs.Parse(args)

	if *player == "" && *key != "" {
		w, err := loadWallet(*key)
		if err != nil {
			return err
		}
		*player = w.PubKey()
	}
	ids, err := c.MatchesByPlayer(ctx, *player)
	if err != nil {
		return err
	}
	tab := tabulate.New(tabulate.UnicodeLight)
	tab.Header("Match").SetAlign(tabulate.ML)
	tab.Header("Variant").SetAlign(tabulate.ML)
	tab.Header("Phase").SetAlign(tabulate.ML)
	tab.Header("Turn").SetAlign(tabulate.MR)
	for _, id := range ids {
		m, err := c.Match(ctx, id)
		if err != nil {
			return err
		}
		row := tab.Row()
		row.Column(m.ID)
		row.Column(string(m.Variant))
		row.Column(string(m.Phase))
		row.Column(strconv.FormatUint(m.Turn, 10))
	}
	tab.Print(os.Stdout)
	return nil
}

func cmdRounds(ctx context.Context, c *rpc.Client, args []string) error {
	fs := flag.NewFlagSet("rounds", flag.ExitOnError)
	id := fs.String("match", "", "match id")
	fs.Parse(args)

	rounds, err := c.Rounds(ctx, *id)
	if err != nil {
		return err
	}
	dmg, err := c.Damage(ctx, *id)
	if err != nil {
		return err
	}

	tab := tabulate.New(tabulate.UnicodeLight)
	tab.Header("Turn").SetAlign(tabulate.MR)
	tab.Header("Winner").SetAlign(tabulate.ML)
	tab.Header("Damage").SetAlign(tabulate.MR)
	tab.Header("Resolved").SetAlign(tabulate.ML)
	for _, r := range rounds {
		row := tab.Row()
		row.Column(strconv.FormatUint(r.Turn, 10))
		row.Column(r.Winner.String())
		row.Column(strconv.FormatUint(r.Damage, 10))
		row.Column(time.Unix(0, r.ResolvedAt).UTC().Format(time.RFC3339))
	}
	row := tab.Row()
	row.Column("Total").SetFormat(tabulate.FmtBold)
	row.Column(fmt.Sprintf("%d draws", dmg.Draws)).SetFormat(tabulate.FmtBold)
	row.Column(fmt.Sprintf("A %d / B %d", dmg.ToA, dmg.ToB)).SetFormat(tabulate.FmtBold)
	row.Column("")
	tab.Print(os.Stdout)
	return nil
}

func cmdWatch(ctx context.Context, _ *rpc.Client, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	id := fs.String("match", "", "only events of this match")
	typ := fs.String("type", "", "only events of this type")
	fs.Parse(args)

	ep := endpointFrom(ctx)
	q := url.Values{}
	if *id != "" {
		q.Set("match", *id)
	}
	if *typ != "" {
		q.Set("type", *typ)
	}
	target := wsURL(ep.url) + "/events"
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	header := http.Header{}
	if ep.token != "" {
		header.Set("Authorization", "Bearer "+ep.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		fmt.Printf("#%d %-22s %v\n", ev.Height, ev.Type, ev.Data)
	}
}

func addRow(tab *tabulate.Tabulate, k, v string) {
	row := tab.Row()
	row.Column(k)
	row.Column(v)
}

func short(pub string) string {
	if len(pub) > 16 {
		return pub[:16] + "…"
	}
	if pub == "" {
		return "-"
	}
	return pub
}
