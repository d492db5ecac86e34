package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/segtrain/segtrain/optimizer"
)

// binaryMagic prefixes every binary checkpoint so loaders can tell the two
// formats apart from the first eight bytes.
const binaryMagic = "SEGCKPT1"

// Binary checkpoints are protobuf wire encoded after the magic header:
//
//	Checkpoint: 1=epoch varint, 2=weight message (repeated),
//	            3=optimizer message, 4=train_loss fixed64, 5=val_loss fixed64
//	Weight:     1=name, 2=packed varint shape, 3=packed fixed32 data
//	Optimizer:  1=type, 2=hyperparameters as JSON, 3=step count varint,
//	            4=state tensor message (repeated, same layout as Weight)

func marshalBinary(c *Checkpoint) ([]byte, error) {
	buf := []byte(binaryMagic)

	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(c.Epoch))

	for _, w := range c.ModelStateDict {
		sub := marshalWeight(w)
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, sub)
	}

	if c.OptimizerStateDict != nil {
		sub, err := marshalOptimizerState(c.OptimizerStateDict)
		if err != nil {
			return nil, err
		}
		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = protowire.AppendBytes(buf, sub)
	}

	buf = protowire.AppendTag(buf, 4, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, math.Float64bits(c.TrainLoss))
	buf = protowire.AppendTag(buf, 5, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, math.Float64bits(c.ValLoss))

	return buf, nil
}

func unmarshalBinary(data []byte) (*Checkpoint, error) {
	if len(data) < len(binaryMagic) || string(data[:len(binaryMagic)]) != binaryMagic {
		return nil, fmt.Errorf("missing binary checkpoint header")
	}

	b := data[len(binaryMagic):]
	checkpoint := &Checkpoint{}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			checkpoint.Epoch = int(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			w, err := unmarshalWeight(sub)
			if err != nil {
				return nil, err
			}
			checkpoint.ModelStateDict = append(checkpoint.ModelStateDict, w)
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			state, err := unmarshalOptimizerState(sub)
			if err != nil {
				return nil, err
			}
			checkpoint.OptimizerStateDict = state
			b = b[n:]
		case num == 4 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			checkpoint.TrainLoss = math.Float64frombits(v)
			b = b[n:]
		case num == 5 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			checkpoint.ValLoss = math.Float64frombits(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	return checkpoint, nil
}

func marshalWeight(w WeightTensor) []byte {
	buf := make([]byte, 0, len(w.Name)+4*len(w.Data)+16)

	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, w.Name)

	var shape []byte
	for _, dim := range w.Shape {
		shape = protowire.AppendVarint(shape, uint64(dim))
	}
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendBytes(buf, shape)

	data := make([]byte, 0, 4*len(w.Data))
	for _, v := range w.Data {
		data = protowire.AppendFixed32(data, math.Float32bits(v))
	}
	buf = protowire.AppendTag(buf, 3, protowire.BytesType)
	buf = protowire.AppendBytes(buf, data)

	return buf
}

func unmarshalWeight(b []byte) (WeightTensor, error) {
	var w WeightTensor

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return w, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			name, n := protowire.ConsumeString(b)
			if n < 0 {
				return w, protowire.ParseError(n)
			}
			w.Name = name
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return w, protowire.ParseError(n)
			}
			for len(packed) > 0 {
				dim, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return w, protowire.ParseError(m)
				}
				w.Shape = append(w.Shape, int(dim))
				packed = packed[m:]
			}
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return w, protowire.ParseError(n)
			}
			w.Data = make([]float32, 0, len(packed)/4)
			for len(packed) > 0 {
				bits, m := protowire.ConsumeFixed32(packed)
				if m < 0 {
					return w, protowire.ParseError(m)
				}
				w.Data = append(w.Data, math.Float32frombits(bits))
				packed = packed[m:]
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return w, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	return w, nil
}

func marshalOptimizerState(state *optimizer.State) ([]byte, error) {
	params, err := json.Marshal(state.Parameters)
	if err != nil {
		return nil, fmt.Errorf("failed to encode optimizer hyperparameters: %w", err)
	}

	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, state.Type)
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendBytes(buf, params)
	buf = protowire.AppendTag(buf, 3, protowire.VarintType)
	buf = protowire.AppendVarint(buf, state.StepCount)

	for _, st := range state.StateData {
		sub := marshalWeight(WeightTensor{Name: st.Name, Shape: st.Shape, Data: st.Data})
		buf = protowire.AppendTag(buf, 4, protowire.BytesType)
		buf = protowire.AppendBytes(buf, sub)
	}

	return buf, nil
}

func unmarshalOptimizerState(b []byte) (*optimizer.State, error) {
	state := &optimizer.State{}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			state.Type = s
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			params, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if err := json.Unmarshal(params, &state.Parameters); err != nil {
				return nil, fmt.Errorf("failed to decode optimizer hyperparameters: %w", err)
			}
			b = b[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			state.StepCount = v
			b = b[n:]
		case num == 4 && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			w, err := unmarshalWeight(sub)
			if err != nil {
				return nil, err
			}
			state.StateData = append(state.StateData, optimizer.StateTensor{
				Name:  w.Name,
				Shape: w.Shape,
				Data:  w.Data,
			})
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	return state, nil
}
