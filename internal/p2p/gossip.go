package p2p

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/snappy"
	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/dannbbb1/lodestar/libs/log"
	"github.com/dannbbb1/lodestar/types"
)

// BlockSink receives blocks decoded from gossip.
type BlockSink func(block *types.SignedBeaconBlock, from PeerID)

// GossipTopic returns the full topic name for a gossip topic under a fork.
func GossipTopic(digest types.ForkDigest, name string) string {
	return fmt.Sprintf("/eth2/%s/%s/ssz_snappy", digest, name)
}

// BlockSubscriber decodes beacon blocks published on a gossip topic and
// hands them to a sink. Gossip validation is left to the sink.
type BlockSubscriber struct {
	topic  *pubsub.Topic
	sink   BlockSink
	self   PeerID
	logger log.Logger
}

// NewBlockSubscriber joins topic on ps.
func NewBlockSubscriber(ps *pubsub.PubSub, topic string, self PeerID, sink BlockSink, logger log.Logger) (*BlockSubscriber, error) {
	t, err := ps.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", topic, err)
	}
	return &BlockSubscriber{
		topic:  t,
		sink:   sink,
		self:   self,
		logger: logger.With("topic", topic),
	}, nil
}

// Run reads messages until ctx is done.
func (s *BlockSubscriber) Run(ctx context.Context) error {
	sub, err := s.topic.Subscribe()
	if err != nil {
		return err
	}
	defer sub.Cancel()

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if msg.ReceivedFrom == s.self {
			continue
		}
		block, err := DecodeGossipBlock(msg.Data)
		if err != nil {
			s.logger.Debug("dropping undecodable gossip block", "peer", msg.ReceivedFrom, "err", err)
			continue
		}
		s.sink(block, msg.ReceivedFrom)
	}
}

// DecodeGossipBlock decodes a snappy block-compressed SSZ signed block.
func DecodeGossipBlock(data []byte) (*types.SignedBeaconBlock, error) {
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, err
	}
	if n > types.MaxBlockBodySize*2 {
		return nil, fmt.Errorf("gossip block too large: %d bytes", n)
	}
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, err
	}
	block := new(types.SignedBeaconBlock)
	if err := block.UnmarshalSSZ(raw); err != nil {
		return nil, err
	}
	return block, nil
}

// EncodeGossipBlock is the inverse of DecodeGossipBlock.
func EncodeGossipBlock(block *types.SignedBeaconBlock) ([]byte, error) {
	raw, err := block.MarshalSSZ()
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}
