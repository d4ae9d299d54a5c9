package config

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func ConnectMongoDB(cfg *Config) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %v", err)
	}

	// Test connection
	err = client.Ping(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %v", err)
	}

	// Create indexes
	err = createIndexes(client, cfg.DBName)
	if err != nil {
		return nil, fmt.Errorf("failed to create indexes: %v", err)
	}

	return client, nil
}

func createIndexes(client *mongo.Client, dbName string) error {
	db := client.Database(dbName)

	// Documents collection indexes
	documentsCollection := db.Collection("documents")
	documentIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "file_hash", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "subject", Value: 1}, {Key: "grade", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "uploaded_at", Value: 1}},
		},
	}
	_, err := documentsCollection.Indexes().CreateMany(context.Background(), documentIndexes)
	if err != nil {
		return err
	}

	// Pages collection indexes
	pagesCollection := db.Collection("pages")
	pageIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "document_id", Value: 1}, {Key: "page_number", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "document_id", Value: 1}, {Key: "needs_review", Value: 1}},
		},
	}
	_, err = pagesCollection.Indexes().CreateMany(context.Background(), pageIndexes)
	if err != nil {
		return err
	}

	// Batch progress: one in-flight checkpoint per document
	progressCollection := db.Collection("batch_progress")
	progressIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "document_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "completed", Value: 1}, {Key: "updated_at", Value: 1}},
		},
	}
	_, err = progressCollection.Indexes().CreateMany(context.Background(), progressIndexes)
	if err != nil {
		return err
	}

	// Chunks collection indexes for filtered candidate fetch and prefix deletes
	chunksCollection := db.Collection("chunks")
	chunkIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "chunk_id", Value: 1}}},
		{Keys: bson.D{{Key: "document_id", Value: 1}}},
		{Keys: bson.D{{Key: "subject", Value: 1}, {Key: "grade", Value: 1}, {Key: "volume_type", Value: 1}}},
		{Keys: bson.D{{Key: "grades", Value: 1}}},
	}
	_, err = chunksCollection.Indexes().CreateMany(context.Background(), chunkIndexes)
	if err != nil {
		return err
	}

	// Extraction reviews: composite index backing the sorted pending listing
	reviewsCollection := db.Collection("extraction_reviews")
	reviewIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "document_id", Value: 1}},
		},
	}
	_, err = reviewsCollection.Indexes().CreateMany(context.Background(), reviewIndexes)
	if err != nil {
		return err
	}

	return nil
}
