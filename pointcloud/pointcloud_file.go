package pointcloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chenzhekl/goply"
	"github.com/edaniels/lidario"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/pcregistration/logging"
)

// PCDType is the format of a pcd file.
type PCDType int

const (
	// PCDAscii ascii format for pcd.
	PCDAscii PCDType = 0
	// PCDBinary binary format for pcd.
	PCDBinary PCDType = 1
	// PCDCompressed binary format for pcd.
	PCDCompressed PCDType = 2
)

// NewFromFile returns a pointcloud read in from the given file. The format is chosen by extension.
func NewFromFile(fn string, logger logging.Logger) (*PointCloud, error) {
	switch strings.ToLower(filepath.Ext(fn)) {
	case ".las":
		return NewFromLASFile(fn, logger)
	case ".pcd":
		//nolint:gosec
		f, err := os.Open(fn)
		if err != nil {
			return nil, err
		}
		defer utils.UncheckedErrorFunc(f.Close)
		return ReadPCD(f)
	case ".ply":
		//nolint:gosec
		f, err := os.Open(fn)
		if err != nil {
			return nil, err
		}
		defer utils.UncheckedErrorFunc(f.Close)
		return ReadPLY(f)
	default:
		return nil, errors.Errorf("do not know how to read file %q", fn)
	}
}

// NewFromLASFile returns a point cloud from reading a LAS file. Colors are read when the point format
// carries them.
func NewFromLASFile(fn string, logger logging.Logger) (*PointCloud, error) {
	lf, err := lidario.NewLasFile(fn, "r")
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(lf.Close)

	hasColor := lf.Header.PointFormatID == 2 || lf.Header.PointFormatID == 3
	pc := NewWithPrealloc(lf.Header.NumberPoints)
	if hasColor {
		pc.Colors = make([]color.NRGBA, 0, lf.Header.NumberPoints)
	}
	for i := 0; i < lf.Header.NumberPoints; i++ {
		p, err := lf.LasPoint(i)
		if err != nil {
			return nil, err
		}
		data := p.PointData()
		pc.Points = append(pc.Points, r3.Vector{X: data.X, Y: data.Y, Z: data.Z})
		if hasColor {
			c := color.NRGBA{A: 255}
			if rgb := p.RgbData(); rgb != nil {
				c.R = uint8(rgb.Red / 256)
				c.G = uint8(rgb.Green / 256)
				c.B = uint8(rgb.Blue / 256)
			}
			pc.Colors = append(pc.Colors, c)
		}
	}
	logger.Debugw("read LAS file", "file", fn, "points", pc.Size(), "color", hasColor)
	return pc, nil
}

// WriteToLASFile writes the point cloud out to a LAS file.
func WriteToLASFile(cloud *PointCloud, fn string) (err error) {
	lf, err := lidario.NewLasFile(fn, "w")
	if err != nil {
		return
	}
	defer func() {
		cerr := lf.Close()
		err = multierr.Combine(err, cerr)
	}()

	hasColor := cloud.HasColor()
	pointFormatID := 0
	if hasColor {
		pointFormatID = 2
	}
	if err = lf.AddHeader(lidario.LasHeader{
		PointFormatID: byte(pointFormatID),
	}); err != nil {
		return
	}

	for i, pos := range cloud.Points {
		var lp lidario.LasPointer
		pr0 := &lidario.PointRecord0{
			X: pos.X,
			Y: pos.Y,
			Z: pos.Z,
			BitField: lidario.PointBitField{
				Value: (1) | (1 << 3) | (0 << 6) | (0 << 7),
			},
			ClassBitField: lidario.ClassificationBitField{
				Value: 0,
			},
			ScanAngle:     0,
			UserData:      0,
			PointSourceID: 1,
		}
		lp = pr0

		if hasColor {
			c := cloud.Colors[i]
			lp = &lidario.PointRecord2{
				PointRecord0: pr0,
				RGB: &lidario.RgbData{
					Red:   uint16(c.R) * 256,
					Green: uint16(c.G) * 256,
					Blue:  uint16(c.B) * 256,
				},
			}
		}
		if err = lf.AddLasPoint(lp); err != nil {
			return
		}
	}
	return
}

func colorToPCDInt(c color.NRGBA) uint32 {
	return uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
}

func pcdIntToColor(c uint32) color.NRGBA {
	r := uint8(0xFF & (c >> 16))
	g := uint8(0xFF & (c >> 8))
	b := uint8(0xFF & (c >> 0))
	return color.NRGBA{r, g, b, 255}
}

// ToPCD writes the cloud as a PCD v0.7 file with x y z, and rgb and normals when present.
func ToPCD(cloud *PointCloud, out io.Writer, outputType PCDType) error {
	hasColor := cloud.HasColor()
	hasNormals := cloud.HasNormals()

	fields := []string{"x", "y", "z"}
	sizes := []string{"4", "4", "4"}
	types := []string{"F", "F", "F"}
	if hasColor {
		fields = append(fields, "rgb")
		sizes = append(sizes, "4")
		types = append(types, "U")
	}
	if hasNormals {
		fields = append(fields, "normal_x", "normal_y", "normal_z")
		sizes = append(sizes, "4", "4", "4")
		types = append(types, "F", "F", "F")
	}
	counts := make([]string, len(fields))
	for i := range counts {
		counts[i] = "1"
	}

	var data string
	switch outputType {
	case PCDBinary:
		data = "binary"
	case PCDAscii:
		data = "ascii"
	case PCDCompressed:
		return errors.New("compressed PCD not yet implemented")
	default:
		return errors.Errorf("unknown PCD output type %d", outputType)
	}

	if _, err := fmt.Fprintf(out, "VERSION .7\n"+
		"FIELDS %s\n"+
		"SIZE %s\n"+
		"TYPE %s\n"+
		"COUNT %s\n"+
		"WIDTH %d\n"+
		"HEIGHT 1\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n"+
		"DATA %s\n",
		strings.Join(fields, " "),
		strings.Join(sizes, " "),
		strings.Join(types, " "),
		strings.Join(counts, " "),
		cloud.Size(),
		cloud.Size(),
		data,
	); err != nil {
		return err
	}

	w := bufio.NewWriter(out)
	for i, pos := range cloud.Points {
		values := []float64{pos.X, pos.Y, pos.Z}
		var rgb uint32
		if hasColor {
			rgb = colorToPCDInt(cloud.Colors[i])
		}
		var normal []float64
		if hasNormals {
			n := cloud.Normals[i]
			normal = []float64{n.X, n.Y, n.Z}
		}

		var err error
		switch outputType {
		case PCDBinary:
			buf := make([]byte, 0, 4*len(fields))
			for _, v := range values {
				buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(v)))
			}
			if hasColor {
				buf = binary.LittleEndian.AppendUint32(buf, rgb)
			}
			for _, v := range normal {
				buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(v)))
			}
			_, err = w.Write(buf)
		default:
			tokens := make([]string, 0, len(fields))
			for _, v := range values {
				tokens = append(tokens, strconv.FormatFloat(v, 'f', -1, 32))
			}
			if hasColor {
				tokens = append(tokens, strconv.FormatUint(uint64(rgb), 10))
			}
			for _, v := range normal {
				tokens = append(tokens, strconv.FormatFloat(v, 'f', -1, 32))
			}
			_, err = w.WriteString(strings.Join(tokens, " ") + "\n")
		}
		if err != nil {
			return err
		}
	}
	return w.Flush()
}

type pcdValType string

const (
	pcdValFloat pcdValType = "F"
	pcdValInt   pcdValType = "I"
	pcdValUInt  pcdValType = "U"
)

type pcdHeader struct {
	fields []string
	size   []uint64
	type_  []pcdValType
	count  []uint64
	width  uint64
	height uint64
	points uint64
	data   PCDType
}

func (h *pcdHeader) fieldIndex(name string) int {
	for i, f := range h.fields {
		if f == name {
			return i
		}
	}
	return -1
}

const pcdCommentChar = "#"

var pcdHeaderFields = []string{"VERSION", "FIELDS", "SIZE", "TYPE", "COUNT", "WIDTH", "HEIGHT", "VIEWPOINT", "POINTS", "DATA"}

func parsePCDHeaderLine(line string, index int, pcdHeader *pcdHeader) error {
	var err error
	name := pcdHeaderFields[index]
	field, value, _ := strings.Cut(line, " ")
	value = strings.TrimSpace(value)
	tokens := strings.Fields(value)
	if field != name {
		return errors.Errorf("line is supposed to start with %s but is %s", name, line)
	}

	switch name {
	case "VERSION":
		if value != ".7" && value != "0.7" {
			return errors.Errorf("unsupported pcd version %s", value)
		}
	case "FIELDS":
		pcdHeader.fields = tokens
		for _, axis := range []string{"x", "y", "z"} {
			if pcdHeader.fieldIndex(axis) < 0 {
				return errors.Errorf("pcd fields %q are missing %s", value, axis)
			}
		}
	case "SIZE":
		if len(tokens) != len(pcdHeader.fields) {
			return errors.New("unexpected number of fields in SIZE line")
		}
		pcdHeader.size = make([]uint64, len(tokens))
		for i, token := range tokens {
			pcdHeader.size[i], err = strconv.ParseUint(token, 10, 64)
			if err != nil {
				return errors.Errorf("invalid SIZE field %s", token)
			}
			switch pcdHeader.size[i] {
			case 1, 2, 4, 8:
			default:
				return errors.Errorf("unsupported SIZE %d", pcdHeader.size[i])
			}
		}
	case "TYPE":
		if len(tokens) != len(pcdHeader.fields) {
			return errors.New("unexpected number of fields in TYPE line")
		}
		pcdHeader.type_ = make([]pcdValType, len(tokens))
		for i, token := range tokens {
			switch t := pcdValType(token); t {
			case pcdValFloat, pcdValInt, pcdValUInt:
				pcdHeader.type_[i] = t
			default:
				return errors.Errorf("invalid TYPE field %s", token)
			}
		}
	case "COUNT":
		if len(tokens) != len(pcdHeader.fields) {
			return errors.New("unexpected number of fields in COUNT line")
		}
		pcdHeader.count = make([]uint64, len(tokens))
		for i, token := range tokens {
			pcdHeader.count[i], err = strconv.ParseUint(token, 10, 64)
			if err != nil {
				return errors.Errorf("invalid COUNT field %s: %s", token, err)
			}
		}
	case "WIDTH":
		pcdHeader.width, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return errors.Errorf("invalid WIDTH field %s: %s", value, err)
		}
	case "HEIGHT":
		pcdHeader.height, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return errors.Errorf("invalid HEIGHT field %s: %s", value, err)
		}
	case "VIEWPOINT":
		if len(tokens) != 7 {
			return errors.Errorf("unexpected number of fields in VIEWPOINT line. Expected 7, got %d", len(tokens))
		}
		for _, token := range tokens {
			if _, err := strconv.ParseFloat(token, 64); err != nil {
				return errors.Errorf("invalid VIEWPOINT field %s: %s", token, err)
			}
		}
	case "POINTS":
		var points uint64
		points, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return errors.Errorf("invalid POINTS field %s: %s", value, err)
		}
		if points != pcdHeader.width*pcdHeader.height {
			return errors.Errorf("POINTS field %d does not match WIDTH*HEIGHT %d", points, pcdHeader.width*pcdHeader.height)
		}
		pcdHeader.points = points
	case "DATA":
		switch value {
		case "ascii":
			pcdHeader.data = PCDAscii
		case "binary":
			pcdHeader.data = PCDBinary
		case "binary_compressed":
			pcdHeader.data = PCDCompressed
		default:
			return errors.Errorf("unknown DATA type %s", value)
		}
	}

	return nil
}

// ReadPCD reads a PCD v0.7 stream. x y z are required; rgb (or rgba) and normal_x normal_y normal_z
// are picked up when present; other fields are skipped.
func ReadPCD(inRaw io.Reader) (*PointCloud, error) {
	header := pcdHeader{}
	in := bufio.NewReader(inRaw)
	headerLineCount := 0
	for headerLineCount < len(pcdHeaderFields) {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, errors.Wrapf(err, "error reading header line %d", headerLineCount)
		}
		line, _, _ = strings.Cut(line, pcdCommentChar)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := parsePCDHeaderLine(line, headerLineCount, &header); err != nil {
			return nil, err
		}
		headerLineCount++
	}

	layout := newPCDLayout(header)
	switch header.data {
	case PCDAscii:
		return readPCDAscii(in, header, layout)
	case PCDBinary:
		return readPCDBinary(in, header, layout)
	case PCDCompressed:
		return nil, errors.New("compressed pcd not yet supported")
	default:
		return nil, errors.Errorf("unsupported pcd data type %v", header.data)
	}
}

// pcdLayout maps the cloud attributes to value offsets within a flattened point record.
type pcdLayout struct {
	offsets []int // offset of each field's first value
	total   int
	xyz     [3]int
	rgb     int
	normal  [3]int
}

func newPCDLayout(h pcdHeader) pcdLayout {
	l := pcdLayout{offsets: make([]int, len(h.fields)), rgb: -1, normal: [3]int{-1, -1, -1}}
	for i := range h.fields {
		l.offsets[i] = l.total
		count := 1
		if h.count != nil && h.count[i] > 0 {
			count = int(h.count[i])
		}
		l.total += count
	}
	for axis, name := range []string{"x", "y", "z"} {
		l.xyz[axis] = l.offsets[h.fieldIndex(name)]
	}
	if idx := h.fieldIndex("rgb"); idx >= 0 {
		l.rgb = idx
	} else if idx := h.fieldIndex("rgba"); idx >= 0 {
		l.rgb = idx
	}
	for axis, name := range []string{"normal_x", "normal_y", "normal_z"} {
		idx := h.fieldIndex(name)
		if idx < 0 {
			l.normal = [3]int{-1, -1, -1}
			break
		}
		l.normal[axis] = l.offsets[idx]
	}
	return l
}

func (l pcdLayout) newCloud(n int) *PointCloud {
	pc := NewWithPrealloc(n)
	if l.rgb >= 0 {
		pc.Colors = make([]color.NRGBA, 0, n)
	}
	if l.normal[0] >= 0 {
		pc.Normals = make([]r3.Vector, 0, n)
	}
	return pc
}

// appendRecord adds one point. values holds the record as floats; packed holds the raw bits of
// the color field.
func (l pcdLayout) appendRecord(pc *PointCloud, values []float64, packed uint32) {
	pc.Points = append(pc.Points, r3.Vector{X: values[l.xyz[0]], Y: values[l.xyz[1]], Z: values[l.xyz[2]]})
	if l.rgb >= 0 {
		pc.Colors = append(pc.Colors, pcdIntToColor(packed))
	}
	if l.normal[0] >= 0 {
		pc.Normals = append(pc.Normals, r3.Vector{X: values[l.normal[0]], Y: values[l.normal[1]], Z: values[l.normal[2]]})
	}
}

func readPCDAscii(in *bufio.Reader, header pcdHeader, layout pcdLayout) (*PointCloud, error) {
	pc := layout.newCloud(int(header.points))
	values := make([]float64, layout.total)
	for i := 0; i < int(header.points); i++ {
		line, err := in.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && strings.TrimSpace(line) != "") {
			return nil, errors.Wrapf(err, "reading point %d", i)
		}
		tokens := strings.Fields(line)
		if len(tokens) != layout.total {
			return nil, errors.Errorf("unexpected number of fields in point %d", i)
		}
		for j, token := range tokens {
			values[j], err = strconv.ParseFloat(token, 64)
			if err != nil {
				return nil, errors.Errorf("invalid point %d field %s: %s", i, token, err)
			}
		}
		var packed uint32
		if layout.rgb >= 0 {
			v := values[layout.offsets[layout.rgb]]
			if header.type_[layout.rgb] == pcdValFloat {
				// PCL stores the packed color in the bits of a float
				packed = math.Float32bits(float32(v))
			} else {
				packed = uint32(v)
			}
		}
		layout.appendRecord(pc, values, packed)
	}
	return pc, nil
}

func readPCDBinary(in *bufio.Reader, header pcdHeader, layout pcdLayout) (*PointCloud, error) {
	pc := layout.newCloud(int(header.points))
	values := make([]float64, layout.total)
	buf := make([]byte, 8)
	for i := 0; i < int(header.points); i++ {
		var packed uint32
		for f := range header.fields {
			size := int(header.size[f])
			count := layout.total - layout.offsets[f]
			if f+1 < len(header.fields) {
				count = layout.offsets[f+1] - layout.offsets[f]
			}
			for c := 0; c < count; c++ {
				if _, err := io.ReadFull(in, buf[:size]); err != nil {
					return nil, errors.Wrapf(err, "reading point %d", i)
				}
				raw := buf[:size]
				values[layout.offsets[f]+c] = decodePCDValue(raw, header.type_[f])
				if f == layout.rgb && c == 0 && size == 4 {
					packed = binary.LittleEndian.Uint32(raw)
				}
			}
		}
		layout.appendRecord(pc, values, packed)
	}
	return pc, nil
}

func decodePCDValue(raw []byte, t pcdValType) float64 {
	switch len(raw) {
	case 1:
		if t == pcdValInt {
			return float64(int8(raw[0]))
		}
		return float64(raw[0])
	case 2:
		v := binary.LittleEndian.Uint16(raw)
		if t == pcdValInt {
			return float64(int16(v))
		}
		return float64(v)
	case 4:
		v := binary.LittleEndian.Uint32(raw)
		switch t {
		case pcdValFloat:
			return float64(math.Float32frombits(v))
		case pcdValInt:
			return float64(int32(v))
		default:
			return float64(v)
		}
	default:
		v := binary.LittleEndian.Uint64(raw)
		switch t {
		case pcdValFloat:
			return math.Float64frombits(v)
		case pcdValInt:
			return float64(int64(v))
		default:
			return float64(v)
		}
	}
}

// ReadPLY reads an ascii PLY stream's vertex element. Colors are read from red/green/blue and
// normals from nx/ny/nz when every vertex has them.
func ReadPLY(in io.Reader) (pc *PointCloud, err error) {
	defer func() {
		// the ply parser panics on malformed input
		if thePanic := recover(); thePanic != nil {
			pc = nil
			err = errors.Errorf("invalid ply data: %v", thePanic)
		}
	}()
	ply := goply.New(in)
	vertices := ply.Elements("vertex")
	if len(vertices) == 0 {
		return nil, errors.New("ply data has no vertices")
	}

	hasColor := plyHas(vertices[0], "red", "green", "blue")
	hasNormals := plyHas(vertices[0], "nx", "ny", "nz")
	pc = NewWithPrealloc(len(vertices))
	if hasColor {
		pc.Colors = make([]color.NRGBA, 0, len(vertices))
	}
	if hasNormals {
		pc.Normals = make([]r3.Vector, 0, len(vertices))
	}
	for i, vertex := range vertices {
		p, err := plyVector(vertex, "x", "y", "z")
		if err != nil {
			return nil, errors.Wrapf(err, "vertex %d", i)
		}
		pc.Points = append(pc.Points, p)
		if hasColor {
			c, err := plyColor(vertex)
			if err != nil {
				return nil, errors.Wrapf(err, "vertex %d", i)
			}
			pc.Colors = append(pc.Colors, c)
		}
		if hasNormals {
			n, err := plyVector(vertex, "nx", "ny", "nz")
			if err != nil {
				return nil, errors.Wrapf(err, "vertex %d", i)
			}
			pc.Normals = append(pc.Normals, n)
		}
	}
	return pc, nil
}

func plyHas(vertex goply.PlyElement, names ...string) bool {
	for _, name := range names {
		if _, ok := vertex[name]; !ok {
			return false
		}
	}
	return true
}

func plyVector(vertex goply.PlyElement, xName, yName, zName string) (r3.Vector, error) {
	var out [3]float64
	for i, name := range []string{xName, yName, zName} {
		v, err := cast.ToFloat64E(vertex.Property(name))
		if err != nil {
			return r3.Vector{}, errors.Wrapf(err, "property %s", name)
		}
		out[i] = v
	}
	return r3.Vector{X: out[0], Y: out[1], Z: out[2]}, nil
}

func plyColor(vertex goply.PlyElement) (color.NRGBA, error) {
	var out [3]uint8
	for i, name := range []string{"red", "green", "blue"} {
		raw := vertex.Property(name)
		v, err := cast.ToFloat64E(raw)
		if err != nil {
			return color.NRGBA{}, errors.Wrapf(err, "property %s", name)
		}
		switch raw.(type) {
		case float32, float64:
			// floating point colors are in [0, 1]
			v *= 255
		}
		out[i] = uint8(math.Round(math.Max(0, math.Min(255, v))))
	}
	return color.NRGBA{R: out[0], G: out[1], B: out[2], A: 255}, nil
}

// WritePLY writes the cloud as an ascii PLY vertex list.
func WritePLY(cloud *PointCloud, out io.Writer) error {
	hasColor := cloud.HasColor()
	hasNormals := cloud.HasNormals()
	w := bufio.NewWriter(out)
	fmt.Fprintf(w, "ply\nformat ascii 1.0\nelement vertex %d\n", cloud.Size())
	fmt.Fprint(w, "property double x\nproperty double y\nproperty double z\n")
	if hasNormals {
		fmt.Fprint(w, "property double nx\nproperty double ny\nproperty double nz\n")
	}
	if hasColor {
		fmt.Fprint(w, "property uchar red\nproperty uchar green\nproperty uchar blue\n")
	}
	fmt.Fprint(w, "end_header\n")
	for i, p := range cloud.Points {
		fmt.Fprintf(w, "%s %s %s",
			strconv.FormatFloat(p.X, 'g', -1, 64),
			strconv.FormatFloat(p.Y, 'g', -1, 64),
			strconv.FormatFloat(p.Z, 'g', -1, 64))
		if hasNormals {
			n := cloud.Normals[i]
			fmt.Fprintf(w, " %s %s %s",
				strconv.FormatFloat(n.X, 'g', -1, 64),
				strconv.FormatFloat(n.Y, 'g', -1, 64),
				strconv.FormatFloat(n.Z, 'g', -1, 64))
		}
		if hasColor {
			c := cloud.Colors[i]
			fmt.Fprintf(w, " %d %d %d", c.R, c.G, c.B)
		}
		fmt.Fprint(w, "\n")
	}
	return w.Flush()
}
