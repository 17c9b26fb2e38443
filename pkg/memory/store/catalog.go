package store

import (
	"context"
	"regexp"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/scoopai/convcore/pkg/buffer"
	"github.com/scoopai/convcore/pkg/logger"
)

const (
	productsCollection = "products"

	// productVectorIndexName is the Atlas Search index $vectorSearch reads
	// from; it must be created out-of-band (Atlas UI/CLI), same as any
	// other Atlas Search index — the driver can only query it, not define
	// it, so ensureIndexes only manages the plain product_id index.
	productVectorIndexName = "product_embedding_index"

	searchCandidateMultiplier = 10
	maxSearchResults          = 10
)

// Embedder produces the query vector $vectorSearch matches against.
// Implemented by llmclient.Client.Embed in the Engine's real wiring.
type Embedder func(ctx context.Context, text string) ([]float64, error)

// productDoc is the products collection's document shape. The catalog
// loader that populates this collection is out of scope; ProductIndex is
// read-only.
type productDoc struct {
	ProductID string         `bson:"product_id"`
	Name      string         `bson:"name"`
	Brand     string         `bson:"brand,omitempty"`
	Category  string         `bson:"category,omitempty"`
	Price     float64        `bson:"price"`
	Embedding []float64      `bson:"embedding,omitempty"`
	Details   map[string]any `bson:"details,omitempty"`
}

func (d productDoc) toProduct() buffer.Product {
	return buffer.Product{ID: d.ProductID, Name: d.Name, Brand: d.Brand, Price: d.Price, Extra: d.Details}
}

// ProductIndex is the read-only query side of the products collection:
// semantic $vectorSearch over a query embedding, falling back to a
// case-insensitive regex match over name/brand when no embedder is wired
// or the vector search itself fails (e.g. the Atlas Search index isn't
// provisioned in this environment). Satisfies pkg/engine.Catalog.
type ProductIndex struct {
	products *mongo.Collection
	embed    Embedder
}

// NewProductIndex builds a ProductIndex against dbName's products
// collection on client. embed may be nil, in which case every search
// goes straight to the regex fallback.
func NewProductIndex(client *mongo.Client, dbName string, embed Embedder) *ProductIndex {
	return &ProductIndex{products: client.Database(dbName).Collection(productsCollection), embed: embed}
}

// Products returns a ProductIndex sharing this Store's connection, so
// callers don't need to dial Mongo a second time just for catalog reads.
func (s *Store) Products(embed Embedder) *ProductIndex {
	return &ProductIndex{products: s.products, embed: embed}
}

func (s *Store) ensureProductIndexes(ctx context.Context) error {
	_, err := s.products.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "product_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return errors.Wrap(err, "store: create products index")
	}
	return nil
}

// SearchProducts implements pkg/engine.Catalog. It tries semantic
// $vectorSearch first (when an Embedder is configured) and falls back to
// a regex match over name/brand on any failure, so a missing or
// misconfigured Atlas Search index degrades search instead of breaking it.
func (p *ProductIndex) SearchProducts(ctx context.Context, query, category string, maxPrice float64) ([]buffer.Product, error) {
	if p.embed != nil && query != "" {
		vec, err := p.embed(ctx, query)
		if err != nil {
			logger.G(ctx).WithError(err).Warn("catalog: query embedding failed, falling back to regex search")
		} else {
			products, err := p.vectorSearch(ctx, vec, category, maxPrice)
			if err == nil {
				return products, nil
			}
			logger.G(ctx).WithError(err).Warn("catalog: vector search failed, falling back to regex search")
		}
	}
	return p.regexSearch(ctx, query, category, maxPrice)
}

func (p *ProductIndex) vectorSearch(ctx context.Context, vec []float64, category string, maxPrice float64) ([]buffer.Product, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$vectorSearch", Value: bson.D{
			{Key: "index", Value: productVectorIndexName},
			{Key: "path", Value: "embedding"},
			{Key: "queryVector", Value: vec},
			{Key: "numCandidates", Value: int64(maxSearchResults * searchCandidateMultiplier)},
			{Key: "limit", Value: int64(maxSearchResults)},
			{Key: "filter", Value: productFilter(category, maxPrice)},
		}}},
	}
	cur, err := p.products.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, errors.Wrap(err, "store: vector search products")
	}
	defer cur.Close(ctx)

	var docs []productDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "store: decode vector search results")
	}
	return toProducts(docs), nil
}

func (p *ProductIndex) regexSearch(ctx context.Context, query, category string, maxPrice float64) ([]buffer.Product, error) {
	filter := productFilter(category, maxPrice)
	if query != "" {
		pattern := regexp.QuoteMeta(query)
		rx := bson.D{{Key: "$regex", Value: pattern}, {Key: "$options", Value: "i"}}
		filter = append(filter, bson.E{Key: "$or", Value: bson.A{
			bson.D{{Key: "name", Value: rx}},
			bson.D{{Key: "brand", Value: rx}},
		}})
	}

	cur, err := p.products.Find(ctx, filter, options.Find().SetLimit(maxSearchResults))
	if err != nil {
		return nil, errors.Wrap(err, "store: regex search products")
	}
	defer cur.Close(ctx)

	var docs []productDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "store: decode regex search results")
	}
	return toProducts(docs), nil
}

// GetProductDetails implements pkg/engine.Catalog.
func (p *ProductIndex) GetProductDetails(ctx context.Context, productID string) (map[string]any, error) {
	var doc productDoc
	err := p.products.FindOne(ctx, bson.D{{Key: "product_id", Value: productID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: get product details")
	}

	out := map[string]any{
		"product_id": doc.ProductID,
		"name":       doc.Name,
		"brand":      doc.Brand,
		"category":   doc.Category,
		"price":      doc.Price,
	}
	for k, v := range doc.Details {
		out[k] = v
	}
	return out, nil
}

func productFilter(category string, maxPrice float64) bson.D {
	filter := bson.D{}
	if category != "" {
		filter = append(filter, bson.E{Key: "category", Value: category})
	}
	if maxPrice > 0 {
		filter = append(filter, bson.E{Key: "price", Value: bson.D{{Key: "$lte", Value: maxPrice}}})
	}
	return filter
}

func toProducts(docs []productDoc) []buffer.Product {
	out := make([]buffer.Product, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toProduct())
	}
	return out
}
