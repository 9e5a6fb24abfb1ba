package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"cpvae/internal/model"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var (
	ErrVersionMismatch = errors.New("record version mismatch")
	ErrCorruptPayload  = errors.New("corrupt checkpoint payload")
)

const (
	fieldHeader protowire.Number = 1
	fieldTensor protowire.Number = 2
	fieldLoss   protowire.Number = 3
	fieldBest   protowire.Number = 4
)

// checkpointTensors lists every tensor of a checkpoint in encoding order.
func checkpointTensors(c *model.Checkpoint) []*model.Tensor {
	var out []*model.Tensor
	for i := range c.Params {
		out = append(out, &c.Params[i])
	}
	for i := range c.Optimizer.Slots {
		out = append(out, &c.Optimizer.Slots[i])
	}
	if c.Tree != nil {
		for i := range c.Tree.Means {
			out = append(out, &c.Tree.Means[i])
		}
		for i := range c.Tree.Covs {
			out = append(out, &c.Tree.Covs[i])
		}
	}
	return out
}

// EncodeCheckpoint writes a JSON header, the loss and best metric as fixed64
// fields, then one packed fixed64 field per tensor, framed with protobuf
// wire encoding.
func EncodeCheckpoint(c model.Checkpoint) ([]byte, error) {
	header, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var b []byte
	b = protowire.AppendTag(b, fieldHeader, protowire.BytesType)
	b = protowire.AppendBytes(b, header)
	b = protowire.AppendTag(b, fieldLoss, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(c.Loss))
	b = protowire.AppendTag(b, fieldBest, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(c.EarlyStop.Best))
	for _, t := range checkpointTensors(&c) {
		if len(t.Data) != t.Size() {
			return nil, fmt.Errorf("tensor %s: %d values for shape %v", t.Name, len(t.Data), t.Shape)
		}
		packed := make([]byte, 0, 8*len(t.Data))
		for _, v := range t.Data {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = protowire.AppendTag(b, fieldTensor, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b, nil
}

func DecodeCheckpoint(data []byte) (model.Checkpoint, error) {
	var (
		ckpt      model.Checkpoint
		header    bool
		tensors   []*model.Tensor
		nextIndex int
	)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return model.Checkpoint{}, fmt.Errorf("%w: %v", ErrCorruptPayload, protowire.ParseError(n))
		}
		data = data[n:]
		if typ == protowire.Fixed64Type {
			bits, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return model.Checkpoint{}, fmt.Errorf("%w: %v", ErrCorruptPayload, protowire.ParseError(n))
			}
			data = data[n:]
			if !header {
				return model.Checkpoint{}, fmt.Errorf("%w: scalar before header", ErrCorruptPayload)
			}
			switch num {
			case fieldLoss:
				ckpt.Loss = math.Float64frombits(bits)
			case fieldBest:
				ckpt.EarlyStop.Best = math.Float64frombits(bits)
			default:
				return model.Checkpoint{}, fmt.Errorf("%w: unknown field %d", ErrCorruptPayload, num)
			}
			continue
		}
		if typ != protowire.BytesType {
			return model.Checkpoint{}, fmt.Errorf("%w: unexpected wire type %d", ErrCorruptPayload, typ)
		}
		value, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return model.Checkpoint{}, fmt.Errorf("%w: %v", ErrCorruptPayload, protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldHeader:
			if err := json.Unmarshal(value, &ckpt); err != nil {
				return model.Checkpoint{}, err
			}
			if err := checkVersion(ckpt.VersionedRecord); err != nil {
				return model.Checkpoint{}, err
			}
			header = true
			tensors = checkpointTensors(&ckpt)
		case fieldTensor:
			if !header || nextIndex >= len(tensors) {
				return model.Checkpoint{}, fmt.Errorf("%w: unexpected tensor", ErrCorruptPayload)
			}
			t := tensors[nextIndex]
			nextIndex++
			if len(value) != 8*t.Size() {
				return model.Checkpoint{}, fmt.Errorf("%w: tensor %s has %d bytes for shape %v", ErrCorruptPayload, t.Name, len(value), t.Shape)
			}
			t.Data = make([]float64, t.Size())
			for i := range t.Data {
				bits, n := protowire.ConsumeFixed64(value)
				if n < 0 {
					return model.Checkpoint{}, fmt.Errorf("%w: %v", ErrCorruptPayload, protowire.ParseError(n))
				}
				t.Data[i] = math.Float64frombits(bits)
				value = value[n:]
			}
		default:
			return model.Checkpoint{}, fmt.Errorf("%w: unknown field %d", ErrCorruptPayload, num)
		}
	}
	if !header || nextIndex != len(tensors) {
		return model.Checkpoint{}, fmt.Errorf("%w: missing header or tensors", ErrCorruptPayload)
	}
	return ckpt, nil
}

func EncodeRun(r model.RunRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return fmt.Errorf("%w: schema=%d codec=%d", ErrVersionMismatch, v.SchemaVersion, v.CodecVersion)
	}
	return nil
}

func checkpointInfo(c model.Checkpoint, size int) model.CheckpointInfo {
	return model.CheckpointInfo{
		RunID:        c.RunID,
		Epoch:        c.Epoch,
		Tag:          c.Tag,
		GlobalStep:   c.GlobalStep,
		Loss:         c.Loss,
		SizeBytes:    size,
		CreatedAtUTC: c.CreatedAtUTC,
	}
}
