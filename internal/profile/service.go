package profile

import (
	"context"
	"fmt"
	"strings"

	"github.com/SafeScanQR/SafeScanQR/internal/activation"
	"github.com/google/uuid"
)

// Service 封装档案领域用例（注册、验证、公开视图），不依赖 HTTP。
type Service struct {
	store  Store
	ledger activation.Ledger
}

func NewService(store Store, ledger activation.Ledger) *Service {
	return &Service{store: store, ledger: ledger}
}

// RegisterInput 注册入参。
type RegisterInput struct {
	FullName string
	Mobile   string
	Email    string

	Contacts []ContactInput

	BloodGroup           string
	Allergies            string
	MedicalConditions    string
	EmergencyInstruction string
}

type ContactInput struct {
	Name     string
	Phone    string
	Relation string
}

// Register 创建档案并在激活台账上建未激活行。
// 台账建行失败不阻塞注册（激活时还会 EnsureInactive 一次）。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Profile, error) {
	if s == nil || s.store == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	fullName := strings.TrimSpace(in.FullName)
	mobile := strings.TrimSpace(in.Mobile)
	if fullName == "" || mobile == "" {
		return nil, &activation.PreconditionError{Reason: "full_name and mobile required"}
	}

	p := &Profile{
		ID:       uuid.NewString(),
		FullName: fullName,
		Mobile:   mobile,
		Email:    strings.TrimSpace(in.Email),
	}

	contacts := make([]EmergencyContact, 0, len(in.Contacts))
	for i, c := range in.Contacts {
		name := strings.TrimSpace(c.Name)
		phone := strings.TrimSpace(c.Phone)
		if name == "" || phone == "" {
			continue
		}
		contacts = append(contacts, EmergencyContact{
			ID:        uuid.NewString(),
			ProfileID: p.ID,
			Name:      name,
			Phone:     phone,
			Relation:  strings.TrimSpace(c.Relation),
			Priority:  i,
		})
	}

	var medical *MedicalInfo
	if in.BloodGroup != "" || in.Allergies != "" || in.MedicalConditions != "" {
		medical = &MedicalInfo{
			ProfileID:         p.ID,
			BloodGroup:        strings.TrimSpace(in.BloodGroup),
			Allergies:         strings.TrimSpace(in.Allergies),
			MedicalConditions: strings.TrimSpace(in.MedicalConditions),
		}
	}

	var note *EmergencyNote
	if strings.TrimSpace(in.EmergencyInstruction) != "" {
		note = &EmergencyNote{
			ProfileID:   p.ID,
			Instruction: strings.TrimSpace(in.EmergencyInstruction),
		}
	}

	if err := s.store.Create(ctx, p, contacts, medical, note); err != nil {
		return nil, err
	}

	if s.ledger != nil {
		_ = s.ledger.EnsureInactive(ctx, p.ID, activation.KindProfile)
	}
	return p, nil
}

// VerifyMobile 标记手机号已验证（OTP 验证流程在外部渠道完成）。
func (s *Service) VerifyMobile(ctx context.Context, profileID string) error {
	if s == nil || s.store == nil {
		return fmt.Errorf("service not initialized")
	}
	return s.store.SetMobileVerified(ctx, strings.TrimSpace(profileID))
}

func (s *Service) Get(ctx context.Context, profileID string) (*Profile, error) {
	if s == nil || s.store == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	return s.store.FindByID(ctx, profileID)
}

// ActivationPrecondition 实现激活编排器的前置检查：
// 档案必须存在且手机号已验证，否则拒绝且不产生任何状态变更。
func (s *Service) ActivationPrecondition(ctx context.Context, profileID string) error {
	p, err := s.store.FindByID(ctx, profileID)
	if err != nil {
		return err
	}
	if !p.MobileVerified {
		return &activation.PreconditionError{Reason: "mobile number must be verified before activation"}
	}
	return nil
}

// ProfileView 组装扫码方看到的公开紧急信息视图。
func (s *Service) ProfileView(ctx context.Context, profileID string) (*activation.PublicEmergencyView, error) {
	p, err := s.store.FindByID(ctx, profileID)
	if err != nil {
		return nil, err
	}

	view := &activation.PublicEmergencyView{
		Kind:     string(activation.KindProfile),
		FullName: p.FullName,
	}

	if m, err := s.store.Medical(ctx, profileID); err == nil && m != nil {
		view.BloodGroup = m.BloodGroup
		view.Allergies = m.Allergies
		view.MedicalConditions = m.MedicalConditions
	}
	if n, err := s.store.Note(ctx, profileID); err == nil && n != nil {
		view.EmergencyInstruction = n.Instruction
	}
	contacts, err := s.store.Contacts(ctx, profileID)
	if err != nil {
		return nil, err
	}
	for _, c := range contacts {
		view.Contacts = append(view.Contacts, activation.EmergencyContactView{
			Name:     c.Name,
			Phone:    c.Phone,
			Relation: c.Relation,
		})
	}
	return view, nil
}
