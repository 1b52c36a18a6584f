package mongodb

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/user/sluice"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Config struct {
	// Servers are host:port seeds; the first one names the destination.
	Servers    []string
	Database   string
	Collection string
	// Values restricts the stored fields; empty means all.
	Values  []string
	Timeout time.Duration
}

type MongoDBSink struct {
	cfg     Config
	host    string
	port    int
	client  *mongo.Client
	coll    *mongo.Collection
	process [5]byte
}

func NewMongoDBSink(cfg Config) (*MongoDBSink, error) {
	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{"127.0.0.1:27017"}
	}
	if cfg.Database == "" {
		cfg.Database = "syslog"
	}
	if cfg.Collection == "" {
		cfg.Collection = "messages"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	host, portStr, err := net.SplitHostPort(cfg.Servers[0])
	if err != nil {
		return nil, fmt.Errorf("invalid mongodb server %q: %w", cfg.Servers[0], err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid mongodb port %q: %w", portStr, err)
	}

	s := &MongoDBSink{cfg: cfg, host: host, port: port}
	if _, err := rand.Read(s.process[:]); err != nil {
		return nil, fmt.Errorf("failed to seed object ids: %w", err)
	}
	return s, nil
}

func (s *MongoDBSink) Component() string { return "mongodb" }

func (s *MongoDBSink) PersistName() string {
	return fmt.Sprintf("afmongodb(%s,%d,%s,%s)", s.host, s.port, s.cfg.Database, s.cfg.Collection)
}

func (s *MongoDBSink) StatsInstance() string {
	return fmt.Sprintf("mongodb,%s,%d,%s,%s", s.host, s.port, s.cfg.Database, s.cfg.Collection)
}

func (s *MongoDBSink) URI() string {
	return "mongodb://" + strings.Join(s.cfg.Servers, ",")
}

func (s *MongoDBSink) init(ctx context.Context) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(s.URI()).SetServerSelectionTimeout(s.cfg.Timeout))
	if err != nil {
		return fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return fmt.Errorf("failed to ping mongodb: %w", err)
	}
	s.client = client
	s.coll = client.Database(s.cfg.Database).Collection(s.cfg.Collection)
	return nil
}

func (s *MongoDBSink) Open(ctx context.Context) error {
	if s.client != nil {
		return nil
	}
	return s.init(ctx)
}

func (s *MongoDBSink) Write(ctx context.Context, msg sluice.Message) error {
	if msg == nil {
		return nil
	}
	if s.client == nil {
		if err := s.init(ctx); err != nil {
			return err
		}
	}

	id := s.ObjectID(msg.Timestamp(), sluice.SeqNum(ctx))
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": s.Document(msg)},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert into mongodb: %w", err)
	}
	return nil
}

// Document maps the message values to a BSON document. Names starting with
// a dot are stored with a leading underscore instead.
func (s *MongoDBSink) Document(msg sluice.Message) bson.M {
	values := msg.Values()
	doc := bson.M{}
	add := func(name, value string) {
		if strings.HasPrefix(name, ".") {
			name = "_" + name[1:]
		}
		doc[name] = value
	}
	if len(s.cfg.Values) == 0 {
		for name, value := range values {
			add(name, value)
		}
		return doc
	}
	for _, name := range s.cfg.Values {
		if value, ok := values[name]; ok {
			add(name, value)
		}
	}
	return doc
}

// ObjectID builds the document id from the message time and the delivery
// sequence number, so a retried delivery upserts the same document.
func (s *MongoDBSink) ObjectID(ts time.Time, seq uint32) primitive.ObjectID {
	var id primitive.ObjectID
	binary.BigEndian.PutUint32(id[0:4], uint32(ts.Unix()))
	copy(id[4:9], s.process[:])
	id[9] = byte(seq >> 16)
	id[10] = byte(seq >> 8)
	id[11] = byte(seq)
	return id
}

func (s *MongoDBSink) OnError(err error) {
	_ = s.Close()
}

func (s *MongoDBSink) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	err := s.client.Disconnect(ctx)
	s.client = nil
	s.coll = nil
	return err
}
