package collab

import "errors"

var ErrOutOfRange = errors.New("position out of range")

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	// 指针标签，表示从 original 还是 add 切片上偏移
	buf    bufferKind
	offset int
	length int
}

// PieceTable：original 只读、新增文本统一追加到 add，
// 内容由 piece 列表按序拼出。插入/删除只改 piece 列表。
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	return &PieceTable{
		original: r,
		pieces:   []piece{{buf: bufOriginal, offset: 0, length: len(r)}},
	}
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	out := make([]rune, 0, pt.Len())
	for _, p := range pt.pieces {
		switch p.buf {
		case bufOriginal:
			out = append(out, pt.original[p.offset:p.offset+p.length]...)
		case bufAdd:
			out = append(out, pt.add[p.offset:p.offset+p.length]...)
		}
	}
	return string(out)
}

func (pt *PieceTable) Reset(content string) {
	r := []rune(content)
	pt.original = r
	pt.add = nil
	pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
}

// Insert 在逻辑位置 pos 插入 text。pos 超过末尾时钳制到末尾，
// 与 op.Apply 的钳制语义一致。
func (pt *PieceTable) Insert(pos int, text string) error {
	if pos < 0 {
		return ErrOutOfRange
	}
	if total := pt.Len(); pos > total {
		pos = total
	}
	r := []rune(text)
	if len(r) == 0 {
		return nil
	}
	start := len(pt.add)
	pt.add = append(pt.add, r...)
	newPiece := piece{buf: bufAdd, offset: start, length: len(r)}

	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) {
		pt.pieces = append(pt.pieces, newPiece)
		return nil
	}

	// 目标 piece 拆成 左 / 新 / 右 三段
	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	newPieces := make([]piece, 0, len(pt.pieces)+2)
	newPieces = append(newPieces, pt.pieces[:idx]...)
	if left.length > 0 {
		newPieces = append(newPieces, left)
	}
	newPieces = append(newPieces, newPiece)
	if right.length > 0 {
		newPieces = append(newPieces, right)
	}
	newPieces = append(newPieces, pt.pieces[idx+1:]...)
	pt.pieces = newPieces
	return nil
}

// Delete 从 pos 开始删 length 个 rune。末尾越界部分钳制，
// 起点越界返回 ErrOutOfRange（缓冲区不动）。
func (pt *PieceTable) Delete(pos, length int) error {
	if pos < 0 || length <= 0 {
		return ErrOutOfRange
	}
	if pos >= pt.Len() {
		return ErrOutOfRange
	}

	remain := length
	idx, offset := pt.locate(pos)

	for remain > 0 && idx < len(pt.pieces) {
		cur := &pt.pieces[idx]
		can := cur.length - offset
		if can <= 0 {
			idx++
			offset = 0
			continue
		}

		take := remain
		if take > can {
			take = can
		}

		if offset == 0 && take == cur.length {
			// 整个 piece 删掉，idx 不动
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
		} else {
			leftLen := offset
			rightLen := cur.length - offset - take

			newPieces := make([]piece, 0, len(pt.pieces)+1)
			newPieces = append(newPieces, pt.pieces[:idx]...)
			if leftLen > 0 {
				newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
			}
			if rightLen > 0 {
				newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
			}
			newPieces = append(newPieces, pt.pieces[idx+1:]...)
			pt.pieces = newPieces
			if leftLen > 0 {
				idx++
			}
			offset = 0
		}

		remain -= take
	}
	return nil
}

// 根据逻辑位置 pos，找到 piece 下标 idx 和该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
