package field

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// RGBA is a color with 0-255 components.
type RGBA struct {
	R int `json:"r" validate:"gte=0,lte=255"`
	G int `json:"g" validate:"gte=0,lte=255"`
	B int `json:"b" validate:"gte=0,lte=255"`
	A int `json:"a" validate:"gte=0,lte=255"`
}

// BBox is an axis-aligned bounding box with an optional confidence score.
type BBox struct {
	XMin  int      `json:"x_min"`
	XMax  int      `json:"x_max" validate:"gtfield=XMin"`
	YMin  int      `json:"y_min"`
	YMax  int      `json:"y_max" validate:"gtfield=YMin"`
	Score *float64 `json:"score,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// ModelRef identifies an installed model on the server.
type ModelRef struct {
	Key          string `json:"key" validate:"required"`
	Hash         string `json:"hash,omitempty"`
	Name         string `json:"name,omitempty"`
	Base         string `json:"base,omitempty"`
	Type         string `json:"type,omitempty"`
	SubmodelType string `json:"submodel_type,omitempty"`
}

// ImageRef names an image already uploaded to the server.
type ImageRef struct {
	ImageName string `json:"image_name" validate:"required"`
}

// LoRARef is a LoRA model applied with a weight.
type LoRARef struct {
	LoRA   ModelRef `json:"lora"`
	Weight float64  `json:"weight"`
}

// UNetRef aggregates the denoiser, its scheduler and applied LoRAs.
type UNetRef struct {
	UNet      ModelRef  `json:"unet"`
	Scheduler ModelRef  `json:"scheduler"`
	LoRAs     []LoRARef `json:"loras" validate:"dive"`
}

// CLIPRef aggregates a text encoder and tokenizer.
type CLIPRef struct {
	Tokenizer     ModelRef  `json:"tokenizer"`
	TextEncoder   ModelRef  `json:"text_encoder"`
	SkippedLayers int       `json:"skipped_layers" validate:"gte=0"`
	LoRAs         []LoRARef `json:"loras" validate:"dive"`
}

// TransformerRef aggregates a transformer model and applied LoRAs.
type TransformerRef struct {
	Transformer ModelRef  `json:"transformer"`
	LoRAs       []LoRARef `json:"loras" validate:"dive"`
}

func (RGBA) kind() Kind           { return KindColor }
func (BBox) kind() Kind           { return KindBoundingBox }
func (ModelRef) kind() Kind       { return KindModelIdentifier }
func (ImageRef) kind() Kind       { return KindImage }
func (LoRARef) kind() Kind        { return KindLoRA }
func (UNetRef) kind() Kind        { return KindUNet }
func (CLIPRef) kind() Kind        { return KindCLIP }
func (TransformerRef) kind() Kind { return KindTransformer }

type refValue interface {
	RGBA | BBox | ModelRef | ImageRef | LoRARef | UNetRef | CLIPRef | TransformerRef
	kind() Kind
}

// Ref is a field whose value is a structured object. Struct constraints
// are declared with validator tags on the value type.
type Ref[T refValue] struct {
	value *T
}

type (
	Color           = Ref[RGBA]
	BoundingBox     = Ref[BBox]
	ModelIdentifier = Ref[ModelRef]
	Image           = Ref[ImageRef]
	LoRA            = Ref[LoRARef]
	UNet            = Ref[UNetRef]
	CLIP            = Ref[CLIPRef]
	Transformer     = Ref[TransformerRef]
)

// NewRef returns a field holding v.
func NewRef[T refValue](v T) *Ref[T] {
	return &Ref[T]{value: &v}
}

func (f *Ref[T]) Kind() Kind {
	var zero T
	return zero.kind()
}

func (f *Ref[T]) IsSet() bool { return f.value != nil }

func (f *Ref[T]) Value() any {
	if f.value == nil {
		return nil
	}
	return *f.value
}

// Get returns the value and whether it is set.
func (f *Ref[T]) Get() (T, bool) {
	if f.value == nil {
		var zero T
		return zero, false
	}
	return *f.value, true
}

func (f *Ref[T]) SetValue(v any) error { return setValidated(f, v) }

func (f *Ref[T]) assign(v any) error {
	switch typed := v.(type) {
	case nil:
		f.value = nil
		return nil
	case T:
		f.value = &typed
		return nil
	case *T:
		if typed == nil {
			f.value = nil
			return nil
		}
		c := *typed
		f.value = &c
		return nil
	case string:
		// Images are commonly addressed by bare name.
		if f.Kind() == KindImage {
			v = map[string]any{"image_name": typed}
		}
	}
	if _, ok := v.(map[string]any); !ok {
		return constraintf("type", "expected an object for %s, got %T", f.Kind(), v)
	}
	out, err := roundTrip[T](v)
	if err != nil {
		return constraintf("type", "invalid %s value: %v", f.Kind(), err)
	}
	f.value = &out
	return nil
}

func (f *Ref[T]) configure(Record) error { return nil }

func (f *Ref[T]) Validate() error {
	if f.value == nil {
		return nil
	}
	return structConstraint(f.Kind(), validate.Struct(*f.value))
}

func (f *Ref[T]) Wire() Record {
	rec := Record{"type": string(f.Kind()), "value": nil}
	if f.value != nil {
		rec["value"] = toMap(*f.value)
	}
	return rec
}

func (f *Ref[T]) Clone() Field {
	if f.value == nil {
		return &Ref[T]{}
	}
	// Round-trip through JSON so nested slices are not shared.
	c, err := roundTrip[T](*f.value)
	if err != nil {
		c = *f.value
	}
	return &Ref[T]{value: &c}
}

// structConstraint translates validator errors into a ConstraintError naming
// the first violated rule.
func structConstraint(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return constraintf("type", "invalid %s value: %v", kind, err)
	}
	fe := verrs[0]
	name := fieldPath(fe.Namespace())
	switch fe.Tag() {
	case "required":
		return constraintf("required", "%s: %s is required", kind, name)
	case "gte", "lte":
		if kind == KindColor {
			return constraintf("color", "color component %s=%v must be between 0 and 255", name, fe.Value())
		}
		return constraintf("range", "%s: %s=%v must be %s %s", kind, name, fe.Value(), opWord(fe.Tag()), fe.Param())
	case "gtfield":
		return constraintf("ordering", "%s: %s=%v must be greater than %s", kind, name, fe.Value(), fe.Param())
	}
	return constraintf(fe.Tag(), "%s: %s failed %q", kind, name, fe.Tag())
}

// fieldPath strips the root type from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func opWord(tag string) string {
	switch tag {
	case "gte":
		return ">="
	case "lte":
		return "<="
	}
	return fmt.Sprintf("%q", tag)
}
