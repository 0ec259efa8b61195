// Package repository 提供数据访问层的具体实现
// 本文件实现 FriendRepository 接口，处理好友相关的数据库操作
package repository

import (
	"errors"

	"claude_bridge_server/internal/model"
	"claude_bridge_server/pkg/errorx"

	"gorm.io/gorm"
)

// friendRepository FriendRepository 接口的实现
type friendRepository struct {
	db *gorm.DB // GORM 数据库实例
}

// NewFriendRepository 创建 FriendRepository 实例
func NewFriendRepository(db *gorm.DB) FriendRepository {
	return &friendRepository{db: db}
}

// Get 查询单个好友
func (r *friendRepository) Get(wxid string) (*model.Friend, error) {
	var friend model.Friend
	if err := r.db.Where("wxid = ?", wxid).First(&friend).Error; err != nil {
		return nil, wrapDBErrorf(err, "查询好友 wxid=%s", wxid)
	}
	return &friend, nil
}

// Upsert 创建或部分更新好友
// 插入时缺省权限为 normal；更新时 nil 字段不覆盖已有取值
func (r *friendRepository) Upsert(wxid string, upd FriendUpdate) error {
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var existing model.Friend
		err := tx.Where("wxid = ?", wxid).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			friend := model.Friend{
				Wxid:       wxid,
				Permission: model.PermissionNormal,
			}
			applyUpdate(&friend, upd)
			if !friend.Permission.Valid() {
				return errorx.Newf(errorx.CodeStoreError, "非法权限等级 %q", friend.Permission)
			}
			return tx.Create(&friend).Error
		}
		if err != nil {
			return err
		}

		updates := map[string]interface{}{}
		if upd.Nickname != nil {
			updates["nickname"] = *upd.Nickname
		}
		if upd.RemarkName != nil {
			updates["remark_name"] = *upd.RemarkName
		}
		if upd.Permission != nil {
			if !upd.Permission.Valid() {
				return errorx.Newf(errorx.CodeStoreError, "非法权限等级 %q", *upd.Permission)
			}
			updates["permission"] = *upd.Permission
		}
		if upd.AddedBy != nil {
			updates["added_by"] = *upd.AddedBy
		}
		if upd.Notes != nil {
			updates["notes"] = *upd.Notes
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(&model.Friend{}).Where("wxid = ?", wxid).Updates(updates).Error
	})
	return wrapDBErrorf(err, "更新好友 wxid=%s", wxid)
}

// applyUpdate 将非 nil 字段写入 friend
func applyUpdate(friend *model.Friend, upd FriendUpdate) {
	if upd.Nickname != nil {
		friend.Nickname = *upd.Nickname
	}
	if upd.RemarkName != nil {
		friend.RemarkName = *upd.RemarkName
	}
	if upd.Permission != nil {
		friend.Permission = *upd.Permission
	}
	if upd.AddedBy != nil {
		friend.AddedBy = *upd.AddedBy
	}
	if upd.Notes != nil {
		friend.Notes = *upd.Notes
	}
}

// GetPermission 查询好友权限
func (r *friendRepository) GetPermission(wxid string) (model.Permission, error) {
	var friend model.Friend
	if err := r.db.Select("permission").Where("wxid = ?", wxid).First(&friend).Error; err != nil {
		return "", wrapDBErrorf(err, "查询权限 wxid=%s", wxid)
	}
	return friend.Permission, nil
}

// SetPermission 设置好友权限
func (r *friendRepository) SetPermission(wxid string, permission model.Permission) error {
	if !permission.Valid() {
		return errorx.Newf(errorx.CodeStoreError, "非法权限等级 %q", permission)
	}
	err := r.db.Model(&model.Friend{}).Where("wxid = ?", wxid).
		Update("permission", permission).Error
	return wrapDBErrorf(err, "设置权限 wxid=%s", wxid)
}

// ListAll 按注册时间倒序返回全部好友
func (r *friendRepository) ListAll() ([]model.Friend, error) {
	var friends []model.Friend
	if err := r.db.Order("added_at DESC").Find(&friends).Error; err != nil {
		return nil, wrapDBError(err, "查询好友列表")
	}
	return friends, nil
}

// ListByPermission 按权限等级筛选好友
func (r *friendRepository) ListByPermission(permission model.Permission) ([]model.Friend, error) {
	var friends []model.Friend
	if err := r.db.Where("permission = ?", permission).Find(&friends).Error; err != nil {
		return nil, wrapDBErrorf(err, "按权限查询好友 permission=%s", permission)
	}
	return friends, nil
}

// Remove 删除好友
func (r *friendRepository) Remove(wxid string) error {
	err := r.db.Where("wxid = ?", wxid).Delete(&model.Friend{}).Error
	return wrapDBErrorf(err, "删除好友 wxid=%s", wxid)
}

// FindByNickname 按昵称/备注名做子串匹配
// 查询串中的 % 和 _ 被转义为字面量，不会作为通配符生效
func (r *friendRepository) FindByNickname(q string) ([]model.Friend, error) {
	pattern := "%" + escapeLike(q) + "%"
	var friends []model.Friend
	err := r.db.Where(`nickname LIKE ? ESCAPE '\' OR remark_name LIKE ? ESCAPE '\'`, pattern, pattern).
		Find(&friends).Error
	if err != nil {
		return nil, wrapDBErrorf(err, "按昵称查询好友 q=%s", q)
	}
	return friends, nil
}
