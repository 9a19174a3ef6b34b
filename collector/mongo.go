package collector

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// MongoQuerier runs the admin queries through a connected mongo.Client.
type MongoQuerier struct {
	admin *mongo.Database
}

var _ Querier = (*MongoQuerier)(nil)

// NewMongoQuerier creates a Querier bound to the client's admin database.
func NewMongoQuerier(client *mongo.Client) *MongoQuerier {
	return &MongoQuerier{admin: client.Database("admin")}
}

// Hello runs {hello: 1}.
func (q *MongoQuerier) Hello(ctx context.Context) (HelloResult, error) {
	var res HelloResult
	if err := q.admin.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&res); err != nil {
		return HelloResult{}, err
	}

	return res, nil
}

// ReplSetConfig runs {replSetGetConfig: 1}.
func (q *MongoQuerier) ReplSetConfig(ctx context.Context) (ReplSetConfig, error) {
	var res struct {
		Config ReplSetConfig `bson:"config"`
	}

	if err := q.admin.RunCommand(ctx, bson.D{{Key: "replSetGetConfig", Value: 1}}).Decode(&res); err != nil {
		return ReplSetConfig{}, err
	}

	if res.Config.ID == "" {
		return ReplSetConfig{}, errors.New("replSetGetConfig reply has no config._id")
	}

	return res.Config, nil
}
