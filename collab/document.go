package collab

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"
)

// the prototype document shared by all collaborators.
// the store owns the authoritative copy. every copy held here is a cache
// with a staleness window bounded by the change feed latency.

type LogoUploadMode string

const (
	LogoUploadModeUpload LogoUploadMode = "upload"
	LogoUploadModeUrl    LogoUploadMode = "url"
)

type ImagePosition string

const (
	ImagePositionTop    ImagePosition = "top"
	ImagePositionBottom ImagePosition = "bottom"
	ImagePositionLeft   ImagePosition = "left"
	ImagePositionRight  ImagePosition = "right"
)

type Prototype struct {
	PrototypeId    Id             `json:"prototype_id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	PrimaryColor   string         `json:"primary_color,omitempty"`
	LogoUrl        string         `json:"logo_url,omitempty"`
	LogoUploadMode LogoUploadMode `json:"logo_upload_mode,omitempty"`
	Steps          []*Step        `json:"steps"`
	// set once at create
	CreatedAt time.Time `json:"created_at,omitempty"`
	// stamped by the store on every accepted write. monotonically non-decreasing.
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

type Step struct {
	StepId             Id            `json:"step_id"`
	Question           string        `json:"question"`
	Description        string        `json:"description,omitempty"`
	ImageUrl           string        `json:"image_url,omitempty"`
	ImagePosition      ImagePosition `json:"image_position,omitempty"`
	Elements           []*Element    `json:"elements"`
	IsApplicationStep  bool          `json:"is_application_step,omitempty"`
	ApplicationHeading string        `json:"application_heading,omitempty"`
}

// element types are a closed enumeration.
// an element is never retyped after creation. to change the type,
// the editor removes the element and creates a new one.
type ElementType string

const (
	ElementTypeTextField       ElementType = "text_field"
	ElementTypeTextArea        ElementType = "text_area"
	ElementTypeCheckboxGroup   ElementType = "checkbox_group"
	ElementTypeSimpleCard      ElementType = "simple_card"
	ElementTypeImageCard       ElementType = "image_card"
	ElementTypeAdvancedCard    ElementType = "advanced_card"
	ElementTypeImageOnlyCard   ElementType = "image_only_card"
	ElementTypeYesNoCard       ElementType = "yes_no_card"
	ElementTypeApplicationCard ElementType = "application_card"
)

// the card family is mutually exclusive per step
func (self ElementType) IsCard() bool {
	switch self {
	case ElementTypeSimpleCard,
		ElementTypeImageCard,
		ElementTypeAdvancedCard,
		ElementTypeImageOnlyCard,
		ElementTypeYesNoCard,
		ElementTypeApplicationCard:
		return true
	default:
		return false
	}
}

func (self ElementType) IsValid() bool {
	switch self {
	case ElementTypeTextField,
		ElementTypeTextArea,
		ElementTypeCheckboxGroup,
		ElementTypeSimpleCard,
		ElementTypeImageCard,
		ElementTypeAdvancedCard,
		ElementTypeImageOnlyCard,
		ElementTypeYesNoCard,
		ElementTypeApplicationCard:
		return true
	default:
		return false
	}
}

type SelectionType string

const (
	SelectionTypeSingle   SelectionType = "single"
	SelectionTypeMultiple SelectionType = "multiple"
)

type Option struct {
	OptionId Id     `json:"option_id"`
	Label    string `json:"label"`
	ImageUrl string `json:"image_url,omitempty"`
}

// one config shape per element type
type ElementConfig interface {
	ElementType() ElementType
}

type TextFieldConfig struct {
	Label       string `json:"label"`
	Placeholder string `json:"placeholder,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

func (self *TextFieldConfig) ElementType() ElementType {
	return ElementTypeTextField
}

type TextAreaConfig struct {
	Label       string `json:"label"`
	Placeholder string `json:"placeholder,omitempty"`
	Rows        int    `json:"rows,omitempty"`
}

func (self *TextAreaConfig) ElementType() ElementType {
	return ElementTypeTextArea
}

type CheckboxGroupConfig struct {
	Label         string        `json:"label"`
	Options       []*Option     `json:"options"`
	SelectionType SelectionType `json:"selection_type"`
	MaxSelection  int           `json:"max_selection,omitempty"`
}

func (self *CheckboxGroupConfig) ElementType() ElementType {
	return ElementTypeCheckboxGroup
}

type SimpleCardConfig struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

func (self *SimpleCardConfig) ElementType() ElementType {
	return ElementTypeSimpleCard
}

type ImageCardConfig struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	ImageUrl    string `json:"image_url"`
}

func (self *ImageCardConfig) ElementType() ElementType {
	return ElementTypeImageCard
}

type AdvancedCardConfig struct {
	Title         string        `json:"title"`
	Description   string        `json:"description,omitempty"`
	ImageUrl      string        `json:"image_url,omitempty"`
	Options       []*Option     `json:"options"`
	SelectionType SelectionType `json:"selection_type"`
	MaxSelection  int           `json:"max_selection,omitempty"`
}

func (self *AdvancedCardConfig) ElementType() ElementType {
	return ElementTypeAdvancedCard
}

type ImageOnlyCardConfig struct {
	ImageUrl string `json:"image_url"`
	AltText  string `json:"alt_text,omitempty"`
}

func (self *ImageOnlyCardConfig) ElementType() ElementType {
	return ElementTypeImageOnlyCard
}

type YesNoCardConfig struct {
	Question string `json:"question"`
	YesLabel string `json:"yes_label,omitempty"`
	NoLabel  string `json:"no_label,omitempty"`
}

func (self *YesNoCardConfig) ElementType() ElementType {
	return ElementTypeYesNoCard
}

type ApplicationCardConfig struct {
	Heading       string `json:"heading"`
	ButtonLabel   string `json:"button_label,omitempty"`
	CollectName   bool   `json:"collect_name,omitempty"`
	CollectEmail  bool   `json:"collect_email,omitempty"`
	CollectPhone  bool   `json:"collect_phone,omitempty"`
	CollectResume bool   `json:"collect_resume,omitempty"`
}

func (self *ApplicationCardConfig) ElementType() ElementType {
	return ElementTypeApplicationCard
}

// a single interactive unit. `Config` is a tagged union discriminated by `Type`.
type Element struct {
	ElementId Id
	Type      ElementType
	Config    ElementConfig
}

func NewElement(elementType ElementType, config ElementConfig) *Element {
	return &Element{
		ElementId: NewId(),
		Type:      elementType,
		Config:    config,
	}
}

type elementEnvelope struct {
	ElementId Id              `json:"element_id"`
	Type      ElementType     `json:"type"`
	Config    json.RawMessage `json:"config,omitempty"`
}

func (self *Element) MarshalJSON() ([]byte, error) {
	envelope := elementEnvelope{
		ElementId: self.ElementId,
		Type:      self.Type,
	}
	if self.Config != nil {
		configBytes, err := json.Marshal(self.Config)
		if err != nil {
			return nil, err
		}
		envelope.Config = configBytes
	}
	return json.Marshal(&envelope)
}

func (self *Element) UnmarshalJSON(src []byte) error {
	var envelope elementEnvelope
	if err := json.Unmarshal(src, &envelope); err != nil {
		return err
	}

	config, err := newElementConfig(envelope.Type)
	if err != nil {
		return err
	}
	if envelope.Config != nil {
		if err := json.Unmarshal(envelope.Config, config); err != nil {
			return err
		}
	}

	self.ElementId = envelope.ElementId
	self.Type = envelope.Type
	self.Config = config
	return nil
}

// exhaustive over the closed `ElementType` enumeration.
// adding an element type means adding a case here, a config struct,
// and an `ElementType()` implementation.
func newElementConfig(elementType ElementType) (ElementConfig, error) {
	switch elementType {
	case ElementTypeTextField:
		return &TextFieldConfig{}, nil
	case ElementTypeTextArea:
		return &TextAreaConfig{}, nil
	case ElementTypeCheckboxGroup:
		return &CheckboxGroupConfig{}, nil
	case ElementTypeSimpleCard:
		return &SimpleCardConfig{}, nil
	case ElementTypeImageCard:
		return &ImageCardConfig{}, nil
	case ElementTypeAdvancedCard:
		return &AdvancedCardConfig{}, nil
	case ElementTypeImageOnlyCard:
		return &ImageOnlyCardConfig{}, nil
	case ElementTypeYesNoCard:
		return &YesNoCardConfig{}, nil
	case ElementTypeApplicationCard:
		return &ApplicationCardConfig{}, nil
	default:
		return nil, fmt.Errorf("unknown element type %q", elementType)
	}
}

// edit-time invariants for a step:
// - every element type is in the closed enumeration
// - an element config matches its type tag
// - at most one element belongs to the card family
func (self *Step) Validate() error {
	cardCount := 0
	for _, element := range self.Elements {
		if !element.Type.IsValid() {
			return fmt.Errorf("step %s: unknown element type %q", self.StepId, element.Type)
		}
		if element.Config == nil {
			return fmt.Errorf("step %s: element %s has no config", self.StepId, element.ElementId)
		}
		if configType := element.Config.ElementType(); configType != element.Type {
			return fmt.Errorf(
				"step %s: element %s config is %q but type tag is %q",
				self.StepId,
				element.ElementId,
				configType,
				element.Type,
			)
		}
		if element.Type.IsCard() {
			cardCount += 1
		}
	}
	if 1 < cardCount {
		return fmt.Errorf("step %s: at most one card element per step (%d found)", self.StepId, cardCount)
	}
	return nil
}

func (self *Prototype) Validate() error {
	for _, step := range self.Steps {
		if err := step.Validate(); err != nil {
			return err
		}
	}
	return nil
}

type DocumentHash = [sha256.Size]byte

// the persistent fields of a prototype. excludes the store-stamped
// timestamps so that a write echo hashes the same as the candidate
// that produced it.
type prototypeContent struct {
	PrototypeId    Id             `json:"prototype_id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	PrimaryColor   string         `json:"primary_color,omitempty"`
	LogoUrl        string         `json:"logo_url,omitempty"`
	LogoUploadMode LogoUploadMode `json:"logo_upload_mode,omitempty"`
	Steps          []*Step        `json:"steps"`
}

func (self *Prototype) ContentHash() DocumentHash {
	content := prototypeContent{
		PrototypeId:    self.PrototypeId,
		Name:           self.Name,
		Description:    self.Description,
		PrimaryColor:   self.PrimaryColor,
		LogoUrl:        self.LogoUrl,
		LogoUploadMode: self.LogoUploadMode,
		Steps:          self.Steps,
	}
	// marshal cannot fail. element marshal tolerates a nil config.
	contentBytes, _ := json.Marshal(&content)
	return sha256.Sum256(contentBytes)
}

func StepsHash(steps []*Step) DocumentHash {
	stepsBytes, _ := json.Marshal(steps)
	return sha256.Sum256(stepsBytes)
}

func ContentEqual(a *Prototype, b *Prototype) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ContentHash() == b.ContentHash()
}

// deep copy via the json round trip. documents cross goroutine
// boundaries as values the holder may mutate.
func (self *Prototype) Clone() *Prototype {
	if self == nil {
		return nil
	}
	selfBytes, _ := json.Marshal(self)
	var out Prototype
	// decode of our own encode cannot fail
	json.Unmarshal(selfBytes, &out)
	return &out
}

func CloneSteps(steps []*Step) []*Step {
	if steps == nil {
		return nil
	}
	stepsBytes, _ := json.Marshal(steps)
	out := []*Step{}
	json.Unmarshal(stepsBytes, &out)
	return out
}
