package postprocess

import iface "GroundingDet/interface"

// Filter flattens the payload groups into records whose confidence is at
// least threshold. Boxes with fewer than four components are dropped; a
// missing confidence counts as 1.0. Output keeps group order, then box order.
func Filter(payload iface.DetectionPayload, threshold float64) []iface.DetectionRecord {
	records := make([]iface.DetectionRecord, 0)
	for _, group := range payload.Groups {
		for i, box := range group.Boxes {
			if len(box) < 4 {
				continue
			}
			conf := 1.0
			if i < len(group.Confidences) {
				conf = group.Confidences[i]
			}
			if conf < threshold {
				continue
			}
			records = append(records, iface.DetectionRecord{
				Label:      group.Phrase,
				Confidence: conf,
				Box:        iface.Rect{X: box[0], Y: box[1], W: box[2], H: box[3]},
			})
		}
	}
	return records
}
