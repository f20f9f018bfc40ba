package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestListing_IsExpiredAt(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		endOffset := rapid.Int64Range(-1e6, 1e6).Draw(t, "endOffset")
		nowOffset := rapid.Int64Range(-1e6, 1e6).Draw(t, "nowOffset")
		noExpiry := rapid.Bool().Draw(t, "noExpiry")

		l := &Listing{}
		if !noExpiry {
			l.EndAt = epoch.Add(time.Duration(endOffset) * time.Second)
		}
		now := epoch.Add(time.Duration(nowOffset) * time.Second)

		switch {
		case noExpiry:
			if l.IsExpiredAt(now) {
				t.Fatalf("listing without end expired at %v", now)
			}
		case nowOffset < endOffset:
			if l.IsExpiredAt(now) {
				t.Fatalf("expired before end: now=%d end=%d", nowOffset, endOffset)
			}
		default:
			if !l.IsExpiredAt(now) {
				t.Fatalf("not expired at/after end: now=%d end=%d", nowOffset, endOffset)
			}
		}
	})
}

func TestAuctionState_MinimumNextBidNeverDecreases(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		start := decimal.NewFromInt(rapid.Int64Range(1, 10_000).Draw(t, "start"))
		inc := decimal.NewFromInt(rapid.Int64Range(1, 500).Draw(t, "inc"))
		a := &AuctionState{StartingPrice: start, CurrentBid: start, MinBidIncrement: inc}

		prev := a.MinimumNextBid()
		n := rapid.IntRange(1, 30).Draw(t, "bids")
		for i := 0; i < n; i++ {
			extra := decimal.NewFromInt(rapid.Int64Range(0, 1000).Draw(t, "extra"))
			amount := a.MinimumNextBid().Add(extra)
			a.Bids = append(a.Bids, Bid{Amount: amount})
			a.CurrentBid = amount

			next := a.MinimumNextBid()
			if next.LessThan(prev) {
				t.Fatalf("minimum dropped from %s to %s", prev, next)
			}
			prev = next
		}
	})
}

func TestListing_RemainingAndDurations(t *testing.T) {
	l := &Listing{}
	l.ResetDuration(epoch, time.Hour)
	assert.Equal(t, epoch, l.CreatedAt)
	assert.Equal(t, 30*time.Minute, l.RemainingAt(epoch.Add(30*time.Minute)))
	assert.Equal(t, time.Duration(0), l.RemainingAt(epoch.Add(2*time.Hour)))

	l.ExtendDuration(time.Minute)
	assert.Equal(t, epoch.Add(61*time.Minute), l.EndAt)

	l.ResetDuration(epoch, 0)
	assert.True(t, l.EndAt.IsZero())
	assert.Equal(t, time.Duration(-1), l.RemainingAt(epoch))
	l.ExtendDuration(time.Minute)
	assert.True(t, l.EndAt.IsZero())
}

func TestListing_ResetAuction(t *testing.T) {
	l := &Listing{
		Kind:  KindAuction,
		Price: decimal.NewFromInt(900),
		Auction: &AuctionState{
			StartingPrice:     decimal.NewFromInt(500),
			CurrentBid:        decimal.NewFromInt(900),
			HighestBidderID:   "alice",
			HighestBidderName: "Alice",
			Bids:              []Bid{{BidderID: "alice", Amount: decimal.NewFromInt(900)}},
		},
	}
	l.ResetAuction()
	assert.False(t, l.Auction.HasBids())
	assert.NotNil(t, l.Auction.Bids)
	assert.False(t, l.Auction.IsHighestBidder("alice"))
	assert.Empty(t, l.Auction.HighestBidderName)
	assert.True(t, l.Price.Equal(decimal.NewFromInt(500)))
	assert.True(t, l.Auction.MinimumNextBid().Equal(decimal.NewFromInt(500)))

	fixed := &Listing{Kind: KindFixedPrice, Price: decimal.NewFromInt(300)}
	fixed.ResetAuction()
	assert.True(t, fixed.Price.Equal(decimal.NewFromInt(300)))
}

func TestListing_CloneIsDeep(t *testing.T) {
	l := &Listing{
		Kind:    KindAuction,
		Payload: []byte(`{"species":"eevee"}`),
		Auction: &AuctionState{Bids: []Bid{{BidderID: "a", Amount: decimal.NewFromInt(5)}}},
	}
	c := l.Clone()
	c.Payload[0] = 'X'
	c.Auction.Bids[0].BidderID = "b"
	c.Auction.HighestBidderID = "b"

	assert.Equal(t, byte('{'), l.Payload[0])
	assert.Equal(t, "a", l.Auction.Bids[0].BidderID)
	assert.Empty(t, l.Auction.HighestBidderID)

	empty := (&Listing{Auction: &AuctionState{Bids: []Bid{}}}).Clone()
	assert.NotNil(t, empty.Auction.Bids)
	assert.Nil(t, (*Listing)(nil).Clone())
}

func TestPlayerHistory_Bound(t *testing.T) {
	h := &PlayerHistory{PlayerID: "p"}
	for i := 0; i < 105; i++ {
		h.Add(TransactionRecord{ItemName: string(rune('a' + i%26)), Price: decimal.NewFromInt(int64(i))})
	}
	require.Len(t, h.Transactions, MaxHistory)
	assert.True(t, h.Transactions[0].Price.Equal(decimal.NewFromInt(104)))
	assert.True(t, h.Transactions[MaxHistory-1].Price.Equal(decimal.NewFromInt(5)))
}

func TestRecords_TypeFollowsListingKind(t *testing.T) {
	fixed := &Listing{Kind: KindFixedPrice, SellerID: "s", SellerName: "Sam", Attributes: Attributes{DisplayName: "Eevee"}}
	auction := &Listing{Kind: KindAuction, SellerID: "s", Auction: &AuctionState{}}
	price := decimal.NewFromInt(1000)
	tax := decimal.NewFromInt(100)

	sale := SaleRecord(fixed, price, tax, "b", "Bea", epoch)
	assert.Equal(t, TxSale, sale.Type)
	assert.Equal(t, "Bea", sale.CounterpartyName)
	assert.True(t, sale.TaxDeducted.Equal(tax))

	purchase := PurchaseRecord(fixed, price, epoch)
	assert.Equal(t, TxPurchase, purchase.Type)
	assert.Equal(t, "Sam", purchase.CounterpartyName)
	assert.True(t, purchase.TaxDeducted.IsZero())

	assert.Equal(t, TxAuctionSold, SaleRecord(auction, price, tax, "b", "Bea", epoch).Type)
	assert.Equal(t, TxAuctionWin, PurchaseRecord(auction, price, epoch).Type)
}

func TestJSONCodec(t *testing.T) {
	codec := JSONCodec{}
	tests := []struct {
		name   string
		entity Entity
		search string
	}{
		{
			name: "Creature",
			entity: &Creature{
				Species: "Mewtwo", Level: 70, Shiny: true, Rarity: "Legendary",
				Nature: "Timid", Ability: "Pressure", IVs: [6]int{31, 31, 31, 0, 31, 31},
			},
			search: "mewtwo mewtwo timid pressure ash shiny legendary",
		},
		{
			name:   "Item stack",
			entity: &ItemStack{ItemID: "rare_candy", Name: "Rare Candy", Count: 5},
			search: "rare_candy rare candy ash",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := codec.Encode(tt.entity)
			require.NoError(t, err)
			got, err := codec.Decode(tt.entity.EntityKind(), data)
			require.NoError(t, err)
			assert.Equal(t, tt.entity, got)
			assert.Equal(t, tt.search, tt.entity.Attributes().WithSearchText("Ash").SearchText)
		})
	}

	mewtwo := (&Creature{Species: "Mewtwo", Rarity: "legendary", IVs: [6]int{31, 31, 31, 0, 31, 31}}).Attributes()
	assert.True(t, mewtwo.Legendary)
	assert.Equal(t, 5, mewtwo.PerfectIVs)

	_, err := codec.Decode(EntityCreature, []byte(`{"level":3}`))
	assert.Error(t, err)
	_, err = codec.Decode(EntityItem, []byte(`{"item_id":"x","count":0}`))
	assert.Error(t, err)
	_, err = codec.Decode("pet", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownEntity)
	_, err = codec.Decode(EntityItem, nil)
	assert.Error(t, err)

	raw, err := json.Marshal(Attributes{DisplayName: "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"display_name":"x","search_text":""}`, string(raw))
}
