package selection

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"stockflow/internal/db"
	"stockflow/internal/ebay"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// At most this many submitted offer ids are resolved to listing ids per
// save; the rest rely on client-supplied listing ids.
const maxOfferResolves = 100

// ListingMeta is the display metadata the dashboard submits alongside the
// selected ids.
type ListingMeta struct {
	ID        string `json:"id,omitempty"`
	OfferID   string `json:"offerId,omitempty"`
	ListingID string `json:"listingId,omitempty"`
	Title     string `json:"title,omitempty"`
	SKU       string `json:"sku,omitempty"`
	Status    string `json:"status,omitempty"`
	Source    string `json:"source,omitempty"`
}

// DerivedID keys the metadata dedupe: explicit id, else listing id, else
// offer id. Entries with none are dropped.
func (m ListingMeta) DerivedID() string {
	if m.ID != "" {
		return m.ID
	}
	if m.ListingID != "" {
		return m.ListingID
	}
	return m.OfferID
}

type Selection struct {
	ConnectionID       string        `json:"connectionId"`
	SelectedOfferIds   []string      `json:"selectedOfferIds"`
	SelectedListingIds []string      `json:"selectedListingIds"`
	SelectedListings   []ListingMeta `json:"selectedListings"`
}

// Get reads the selection fields off the connection document.
func Get(ctx context.Context, ddb db.API, userSub, connectionID string) (*Selection, error) {
	conn, err := ebay.LoadConnection(ctx, ddb, userSub, connectionID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, nil
	}
	return fromConnection(conn), nil
}

func fromConnection(conn *ebay.ConnectionItem) *Selection {
	sel := &Selection{
		ConnectionID:       conn.ConnectionID,
		SelectedOfferIds:   conn.SelectedOfferIds,
		SelectedListingIds: conn.SelectedListingIds,
		SelectedListings:   []ListingMeta{},
	}
	if sel.SelectedOfferIds == nil {
		sel.SelectedOfferIds = []string{}
	}
	if sel.SelectedListingIds == nil {
		sel.SelectedListingIds = []string{}
	}
	if conn.SelectedListings != "" {
		// Tolerate a corrupt blob; ids are the source of truth.
		_ = json.Unmarshal([]byte(conn.SelectedListings), &sel.SelectedListings)
	}
	return sel
}

// Save replaces the connection's selection wholesale. Offer ids are
// deduplicated, then resolved to listing ids through the marketplace (best
// effort, capped); resolved ids merge with the client-supplied ones.
// Metadata entries dedupe by derived id with later entries winning.
func Save(ctx context.Context, ddb db.API, client *ebay.Client, accessToken, userSub, connectionID string, offerIDs, listingIDs []string, meta []ListingMeta) (*Selection, error) {
	table := strings.TrimSpace(db.ConnectionsTableName())
	if table == "" {
		return nil, fmt.Errorf("CONNECTIONS_TABLE not set")
	}

	offers := uniqueStrings(offerIDs)

	resolved := make([]string, 0, len(offers))
	if client != nil && accessToken != "" {
		limit := len(offers)
		if limit > maxOfferResolves {
			limit = maxOfferResolves
		}
		for _, offerID := range offers[:limit] {
			offer, err := client.GetOffer(ctx, accessToken, offerID)
			if err != nil {
				// Unresolved offers are skipped, not retried.
				log.Printf("selection: resolve offer %s failed: %v", offerID, err)
				continue
			}
			if offer.Listing.ListingID != "" {
				resolved = append(resolved, offer.Listing.ListingID)
			}
		}
	}

	listings := uniqueStrings(append(append([]string{}, listingIDs...), resolved...))

	// Last write wins within one save call.
	byID := map[string]int{}
	kept := make([]ListingMeta, 0, len(meta))
	for _, m := range meta {
		id := m.DerivedID()
		if id == "" {
			continue
		}
		if idx, ok := byID[id]; ok {
			kept[idx] = m
			continue
		}
		byID[id] = len(kept)
		kept = append(kept, m)
	}

	metaJSON, err := json.Marshal(kept)
	if err != nil {
		return nil, err
	}

	_, err = ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: ebay.UserPK(userSub)},
			"SK": &types.AttributeValueMemberS{Value: ebay.ConnectionSK(connectionID)},
		},
		UpdateExpression: aws.String("SET SelectedOfferIds=:o, SelectedListingIds=:l, SelectedListings=:m"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":o": stringList(offers),
			":l": stringList(listings),
			":m": &types.AttributeValueMemberS{Value: string(metaJSON)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("save selection: %w", err)
	}

	return &Selection{
		ConnectionID:       connectionID,
		SelectedOfferIds:   offers,
		SelectedListingIds: listings,
		SelectedListings:   kept,
	}, nil
}

func stringList(vals []string) types.AttributeValue {
	list := make([]types.AttributeValue, 0, len(vals))
	for _, v := range vals {
		list = append(list, &types.AttributeValueMemberS{Value: v})
	}
	return &types.AttributeValueMemberL{Value: list}
}

func uniqueStrings(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
